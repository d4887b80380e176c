// Package button turns raw edge interrupts from a digital input into
// confirmed press events with a software debounce.
package button

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blelbs/internal/workq"
)

// DefaultDebounce is the quiet interval after the last edge before the
// input level is sampled.
const DefaultDebounce = 30 * time.Millisecond

// ErrNotReady is returned by Attach when the input device is absent.
var ErrNotReady = errors.New("button: input device not ready")

// Input is a digital input with edge interrupts.
type Input interface {
	// Configure sets the pin up as an input with edge-to-active interrupts.
	Configure() error
	// OnEdge registers the edge handler. It is called from the driver's
	// interrupt context and must only do bounded, non-blocking work.
	OnEdge(handler func())
	// Asserted samples the logical (active-aware) level.
	Asserted() (bool, error)
	// Ready reports whether the backing device is present.
	Ready() bool
}

// Debouncer collapses bursts of edges into one evaluation, run on the work
// queue once the input has been quiet for the debounce interval.
type Debouncer struct {
	in       Input
	interval time.Duration
	onPress  func()
	work     *workq.Delayed
}

// New creates a Debouncer that calls onPress on q for every confirmed press.
// A non-positive interval uses DefaultDebounce.
func New(q *workq.Queue, in Input, interval time.Duration, onPress func()) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	d := &Debouncer{
		in:       in,
		interval: interval,
		onPress:  onPress,
	}
	d.work = q.NewDelayed(d.evaluate)
	return d
}

// Attach configures the input and routes its edges into the debouncer.
func (d *Debouncer) Attach() error {
	if d.in == nil || !d.in.Ready() {
		return ErrNotReady
	}
	if err := d.in.Configure(); err != nil {
		return fmt.Errorf("button: configure input: %w", err)
	}
	d.in.OnEdge(d.Edge)
	return nil
}

// Edge is the interrupt handler. Each edge pushes the deadline out by the
// full interval, so a bouncing contact yields a single evaluation.
func (d *Debouncer) Edge() {
	d.work.Reschedule(d.interval)
}

// evaluate runs once the input has settled.
func (d *Debouncer) evaluate() {
	pressed, err := d.in.Asserted()
	if err != nil {
		slog.Warn("[BUTTON] read level failed", "error", err)
		return
	}
	if !pressed {
		// Release edge or noise.
		return
	}
	slog.Debug("[BUTTON] debounced press")
	if d.onPress != nil {
		d.onPress()
	}
}

// Pending reports whether an evaluation is scheduled.
func (d *Debouncer) Pending() bool {
	return d.work.Pending()
}
