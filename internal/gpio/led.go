package gpio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-vgo/robotgo"
)

// LogOutput is an LED that logs its level changes. ActiveLow inverts the
// reported pin level the way an LED wired to the supply would be driven.
type LogOutput struct {
	Name      string
	ActiveLow bool

	mu  sync.Mutex
	lit bool
	set bool
}

var _ Output = (*LogOutput)(nil)

func (o *LogOutput) Configure() error {
	// Start dark.
	return o.Set(false)
}

func (o *LogOutput) Ready() bool { return true }

func (o *LogOutput) Set(on bool) error {
	o.mu.Lock()
	changed := !o.set || o.lit != on
	o.lit, o.set = on, true
	o.mu.Unlock()

	if changed {
		pin := on
		if o.ActiveLow {
			pin = !on
		}
		slog.Debug("[LED] set", "led", o.name(), "on", on, "pin", pinLevel(pin))
	}
	return nil
}

// Lit returns the last level written.
func (o *LogOutput) Lit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lit
}

func (o *LogOutput) name() string {
	if o.Name == "" {
		return "led0"
	}
	return o.Name
}

func pinLevel(high bool) int {
	if high {
		return 1
	}
	return 0
}

// CapsLockOutput uses the keyboard's Caps Lock LED as the status LED. The
// lock state is toggled with synthetic key taps, so the LED level is
// tracked locally and assumed dark at Configure.
type CapsLockOutput struct {
	mu         sync.Mutex
	configured bool
	lit        bool
	tap        func() error
}

var _ Output = (*CapsLockOutput)(nil)

// NewCapsLockOutput creates the Caps Lock indicator.
func NewCapsLockOutput() *CapsLockOutput {
	return &CapsLockOutput{tap: func() error { return robotgo.KeyTap("capslock") }}
}

func (o *CapsLockOutput) Configure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configured = true
	o.lit = false
	return nil
}

func (o *CapsLockOutput) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.configured
}

func (o *CapsLockOutput) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.configured {
		return fmt.Errorf("gpio: caps lock: %w", ErrAbsent)
	}
	if o.lit == on {
		return nil
	}
	if err := o.tap(); err != nil {
		return fmt.Errorf("gpio: caps lock tap: %w", err)
	}
	o.lit = on
	return nil
}
