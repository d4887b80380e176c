// Package backoff schedules retries with a capped exponential delay.
// One Scheduler exists per retryable operation (scan, connect, advertise).
package backoff

import (
	"time"

	"github.com/chaz8081/blelbs/internal/workq"
)

// Policy holds the backoff parameters.
type Policy struct {
	Base        time.Duration // delay for attempt 0
	Max         time.Duration // delay cap
	MaxShift    int           // doubling stops after this many shifts
	MaxAttempts int           // attempt counter saturates here
}

// DefaultPolicy returns the 200ms..5s policy used by both roles.
func DefaultPolicy() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxShift:    6,
		MaxAttempts: 10,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.MaxShift <= 0 {
		p.MaxShift = def.MaxShift
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns min(Base * 2^min(attempt, MaxShift), Max).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	shift := attempt
	if shift > p.MaxShift {
		shift = p.MaxShift
	}
	delay := p.Base
	for ; shift > 0; shift-- {
		delay <<= 1
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// Counter is a bounded attempt counter.
type Counter struct {
	Attempt int
	Max     int
}

// Inc increments the counter, saturating at Max.
func (c *Counter) Inc() {
	if c.Attempt < c.Max {
		c.Attempt++
	}
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.Attempt = 0
}

// Scheduler arms a single delayed work item at the backoff delay for the
// current attempt. It is not safe for concurrent use: call it from the
// work queue that owns the retried operation.
type Scheduler struct {
	policy  Policy
	counter Counter
	work    *workq.Delayed
}

// NewScheduler creates a Scheduler that runs retry on q.
func NewScheduler(q *workq.Queue, policy Policy, retry func()) *Scheduler {
	policy = policy.withDefaults()
	return &Scheduler{
		policy:  policy,
		counter: Counter{Max: policy.MaxAttempts},
		work:    q.NewDelayed(retry),
	}
}

// Retry schedules the retry at the delay for the current attempt and then
// increments the attempt. With reset, the attempt restarts at zero first.
// A retry that is already pending is replaced, never stacked. It returns
// the chosen delay.
func (s *Scheduler) Retry(reset bool) time.Duration {
	if reset {
		s.counter.Reset()
	}
	delay := s.policy.Delay(s.counter.Attempt)
	s.counter.Inc()
	s.work.Reschedule(delay)
	return delay
}

// Reset restarts the attempt counter without touching a pending retry.
func (s *Scheduler) Reset() {
	s.counter.Reset()
}

// Cancel disarms a pending retry. It reports whether one was pending.
func (s *Scheduler) Cancel() bool {
	return s.work.Cancel()
}

// Attempt returns the current attempt count.
func (s *Scheduler) Attempt() int {
	return s.counter.Attempt
}

// Pending reports whether a retry is scheduled.
func (s *Scheduler) Pending() bool {
	return s.work.Pending()
}

// Deadline returns when the pending retry fires.
func (s *Scheduler) Deadline() (time.Time, bool) {
	return s.work.Deadline()
}

// Policy returns the scheduler's policy with defaults applied.
func (s *Scheduler) Policy() Policy {
	return s.policy
}
