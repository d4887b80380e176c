package backoff

import (
	"testing"
	"time"

	"github.com/chaz8081/blelbs/internal/workq"
)

func TestDelayTable(t *testing.T) {
	p := DefaultPolicy()
	delays := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5000 * time.Millisecond, // capped
		5000 * time.Millisecond, // shift ceiling
		5000 * time.Millisecond,
	}
	for i, want := range delays {
		if got := p.Delay(i); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestDelayMatchesFormula(t *testing.T) {
	p := DefaultPolicy()
	prev := time.Duration(0)
	for a := 0; a <= 64; a++ {
		shift := a
		if shift > 6 {
			shift = 6
		}
		want := 200 * time.Millisecond * time.Duration(1<<uint(shift))
		if want > 5*time.Second {
			want = 5 * time.Second
		}
		got := p.Delay(a)
		if got != want {
			t.Errorf("Delay(%d) = %v, want %v", a, got, want)
		}
		if got < prev {
			t.Errorf("Delay(%d) = %v is less than Delay(%d) = %v", a, got, a-1, prev)
		}
		prev = got
	}
	if p.Delay(10) != 5*time.Second || p.Delay(11) != 5*time.Second {
		t.Errorf("Delay(10), Delay(11) = %v, %v; want 5s, 5s", p.Delay(10), p.Delay(11))
	}
}

func TestDelayLargeCapNoOverflow(t *testing.T) {
	// With a cap the shift ceiling never reaches, doubling stops at MaxShift.
	p := Policy{Base: time.Second, Max: time.Hour, MaxShift: 6, MaxAttempts: 10}
	if got := p.Delay(1000); got != 64*time.Second {
		t.Errorf("Delay(1000) = %v, want 64s", got)
	}
	if got := p.Delay(-1); got != time.Second {
		t.Errorf("Delay(-1) = %v, want 1s", got)
	}
}

func TestCounterSaturates(t *testing.T) {
	c := Counter{Max: 10}
	for i := 0; i < 25; i++ {
		c.Inc()
	}
	if c.Attempt != 10 {
		t.Errorf("Attempt = %d, want 10", c.Attempt)
	}
	c.Reset()
	if c.Attempt != 0 {
		t.Errorf("Attempt after Reset = %d, want 0", c.Attempt)
	}
}

func TestSchedulerRetry(t *testing.T) {
	clock := workq.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := workq.New(clock)

	var fired int
	s := NewScheduler(q, DefaultPolicy(), func() { fired++ })

	if d := s.Retry(false); d != 200*time.Millisecond {
		t.Errorf("first Retry() delay = %v, want 200ms", d)
	}
	if s.Attempt() != 1 {
		t.Errorf("Attempt() = %d, want 1", s.Attempt())
	}

	// Rescheduling while pending replaces the deadline.
	if d := s.Retry(false); d != 400*time.Millisecond {
		t.Errorf("second Retry() delay = %v, want 400ms", d)
	}
	if clock.Armed() != 1 {
		t.Errorf("armed timers = %d, want 1", clock.Armed())
	}

	clock.Advance(200 * time.Millisecond)
	q.RunPending()
	if fired != 0 {
		t.Fatal("replaced deadline fired")
	}
	clock.Advance(200 * time.Millisecond)
	q.RunPending()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestSchedulerAttemptSaturatesAndResets(t *testing.T) {
	q := workq.New(workq.NewManualClock(time.Time{}))
	s := NewScheduler(q, DefaultPolicy(), func() {})

	var last time.Duration
	for i := 0; i < 15; i++ {
		last = s.Retry(false)
	}
	if s.Attempt() != 10 {
		t.Errorf("Attempt() = %d, want 10", s.Attempt())
	}
	if last != 5*time.Second {
		t.Errorf("delay at saturation = %v, want 5s", last)
	}

	if d := s.Retry(true); d != 200*time.Millisecond {
		t.Errorf("Retry(reset) delay = %v, want 200ms", d)
	}
	if s.Attempt() != 1 {
		t.Errorf("Attempt() after reset retry = %d, want 1", s.Attempt())
	}
}

func TestSchedulerCancel(t *testing.T) {
	clock := workq.NewManualClock(time.Time{})
	q := workq.New(clock)

	var fired int
	s := NewScheduler(q, DefaultPolicy(), func() { fired++ })
	s.Retry(true)
	if !s.Cancel() {
		t.Error("Cancel() = false, want true")
	}
	clock.Advance(10 * time.Second)
	q.RunPending()
	if fired != 0 {
		t.Error("cancelled retry fired")
	}
	if s.Pending() {
		t.Error("Pending() after Cancel = true")
	}
}
