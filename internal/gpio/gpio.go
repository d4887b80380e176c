// Package gpio provides host-side stand-ins for the status LED and the
// button: a log-backed LED, the keyboard Caps Lock LED, a global hotkey
// button and a programmatic button. Outputs satisfy status.Output and
// inputs satisfy button.Input.
package gpio

import (
	"errors"
	"sync"
)

// ErrAbsent is returned by devices that are not present.
var ErrAbsent = errors.New("gpio: device absent")

// Output is a digital output.
type Output interface {
	Configure() error
	Set(on bool) error
	Ready() bool
}

// Input is a digital input with an edge interrupt.
type Input interface {
	Configure() error
	OnEdge(handler func())
	Asserted() (bool, error)
	Ready() bool
}

// Absent is a missing device. It reports not ready and fails every call,
// so callers degrade instead of aborting.
type Absent struct{}

var (
	_ Output = Absent{}
	_ Input  = Absent{}
)

func (Absent) Configure() error        { return ErrAbsent }
func (Absent) Set(bool) error          { return ErrAbsent }
func (Absent) Ready() bool             { return false }
func (Absent) OnEdge(func())           {}
func (Absent) Asserted() (bool, error) { return false, ErrAbsent }

// ManualInput is a button driven from code, for example from a terminal
// prompt. Press and Release raise an edge like a real contact would.
type ManualInput struct {
	mu      sync.Mutex
	held    bool
	handler func()
}

var _ Input = (*ManualInput)(nil)

func (m *ManualInput) Configure() error { return nil }
func (m *ManualInput) Ready() bool      { return true }

func (m *ManualInput) OnEdge(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *ManualInput) Asserted() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, nil
}

// Press asserts the input.
func (m *ManualInput) Press() {
	m.set(true)
}

// Release deasserts the input.
func (m *ManualInput) Release() {
	m.set(false)
}

func (m *ManualInput) set(held bool) {
	m.mu.Lock()
	m.held = held
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h()
	}
}
