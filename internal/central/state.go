package central

import (
	"fmt"
	"time"

	"github.com/chaz8081/blelbs/internal/discovery"
)

// State is the central's connection lifecycle state. Exactly one of the
// variants below.
type State interface {
	isState()
	String() string
}

// Idle is the state before the first scan.
type Idle struct{}

// Scanning means an active scan is running.
type Scanning struct{}

// Connecting means a connection request to Address is outstanding.
type Connecting struct {
	Address string
}

// Discovering means the link is up and GATT discovery is running.
type Discovering struct {
	Address string
	Phase   discovery.Phase
}

// Ready means writes can be sent to the action characteristic.
type Ready struct {
	Address      string
	ActionHandle uint16
}

// BackingOff means a scan retry is scheduled.
type BackingOff struct {
	Attempt  int
	Deadline time.Time
}

func (Idle) isState()        {}
func (Scanning) isState()    {}
func (Connecting) isState()  {}
func (Discovering) isState() {}
func (Ready) isState()       {}
func (BackingOff) isState()  {}

func (Idle) String() string     { return "idle" }
func (Scanning) String() string { return "scanning" }

func (s Connecting) String() string {
	return fmt.Sprintf("connecting(%s)", s.Address)
}

func (s Discovering) String() string {
	return fmt.Sprintf("discovering(%s, %s)", s.Address, s.Phase)
}

func (s Ready) String() string {
	return fmt.Sprintf("ready(%s, handle=0x%04x)", s.Address, s.ActionHandle)
}

func (s BackingOff) String() string {
	return fmt.Sprintf("backing-off(attempt=%d, until=%s)", s.Attempt, s.Deadline.Format(time.StampMilli))
}
