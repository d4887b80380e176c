package peripheral

import (
	"fmt"
	"time"
)

// State is the peripheral's connection lifecycle state.
type State interface {
	isState()
	String() string
}

// Idle is the state before advertising first starts.
type Idle struct{}

// Advertising means connectable advertising is running.
type Advertising struct{}

// Connected means a central holds the link.
type Connected struct {
	Address string
}

// BackingOff means an advertising restart is scheduled.
type BackingOff struct {
	Attempt  int
	Deadline time.Time
}

func (Idle) isState()        {}
func (Advertising) isState() {}
func (Connected) isState()   {}
func (BackingOff) isState()  {}

func (Idle) String() string        { return "idle" }
func (Advertising) String() string { return "advertising" }

func (s Connected) String() string {
	return fmt.Sprintf("connected(%s)", s.Address)
}

func (s BackingOff) String() string {
	return fmt.Sprintf("backing-off(attempt=%d, until=%s)", s.Attempt, s.Deadline.Format(time.StampMilli))
}
