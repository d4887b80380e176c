// Package status drives a single binary output as a connection status
// indicator: steady on, steady off, or blinking at 2 Hz.
//
// The output is best effort. Writes are skipped when the device is not
// ready and nothing in the connection logic depends on them.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blelbs/internal/workq"
)

// Mode is the indicator pattern.
type Mode int

const (
	SolidOn Mode = iota
	SolidOff
	Blink2Hz
)

func (m Mode) String() string {
	switch m {
	case SolidOn:
		return "solid-on"
	case SolidOff:
		return "solid-off"
	case Blink2Hz:
		return "blink-2hz"
	default:
		return "unknown"
	}
}

// DefaultBlinkPeriod is the half period of the 2 Hz blink.
const DefaultBlinkPeriod = 250 * time.Millisecond

// Output is the physical indicator.
type Output interface {
	// Set drives the indicator lit (true) or dark (false).
	Set(on bool) error
	// Ready reports whether the backing device is present and configured.
	Ready() bool
}

// Signal owns the indicator mode. SetMode is called from the work queue;
// the blink toggle runs on the clock's timer goroutine. Both touch the
// guarded fields only under mu, and mu is never held across Output.Set.
// Writes are serialized by outMu and carry the generation they were
// decided under, so a write from a superseded mode never lands last.
type Signal struct {
	out    Output
	clock  workq.Clock
	period time.Duration

	outMu sync.Mutex // held only across Output.Set; taken before mu

	mu    sync.Mutex
	mode  Mode
	phase uint8 // blink phase, meaningful only in Blink2Hz
	timer workq.Timer
	gen   uint64
	lit   bool
}

// New creates a Signal on out. A nil clock uses the wall clock and a
// non-positive period uses DefaultBlinkPeriod.
func New(out Output, clock workq.Clock, period time.Duration) *Signal {
	if clock == nil {
		clock = workq.RealClock
	}
	if period <= 0 {
		period = DefaultBlinkPeriod
	}
	return &Signal{
		out:    out,
		clock:  clock,
		period: period,
		mode:   SolidOff,
	}
}

// SetMode switches the pattern. Any running blink is cancelled, the phase
// resets, and the output is driven once immediately (blink starts lit).
func (s *Signal) SetMode(mode Mode) {
	s.mu.Lock()
	s.mode = mode
	s.phase = 0
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if mode == Blink2Hz && s.ready() {
		s.timer = s.clock.AfterFunc(s.period, func() { s.tick(gen) })
	}
	s.mu.Unlock()

	switch mode {
	case SolidOn, Blink2Hz:
		s.drive(gen, true)
	case SolidOff:
		s.drive(gen, false)
	}
}

// tick is the periodic blink callback.
func (s *Signal) tick(gen uint64) {
	s.mu.Lock()
	if s.mode != Blink2Hz || gen != s.gen {
		// Mode changed while this callback was in flight.
		s.mu.Unlock()
		return
	}
	s.phase ^= 1
	on := s.phase == 0
	s.timer = s.clock.AfterFunc(s.period, func() { s.tick(gen) })
	s.mu.Unlock()

	s.drive(gen, on)
}

func (s *Signal) ready() bool {
	return s.out != nil && s.out.Ready()
}

// drive writes on unless the mode has changed since gen was taken.
func (s *Signal) drive(gen uint64, on bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if !current || !s.ready() {
		return
	}
	if err := s.out.Set(on); err != nil {
		slog.Debug("[STATUS] output write failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lit = on
	s.mu.Unlock()
}

// Mode returns the current pattern.
func (s *Signal) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Lit reports the last level successfully written to the output.
func (s *Signal) Lit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lit
}

// Stop cancels a running blink without changing the mode.
func (s *Signal) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
