// Package discovery finds the ON/OFF service and its action characteristic
// on a connected peer. It runs two sequential passes: primary service by
// UUID over the whole handle range, then every characteristic in the
// service's range. The second pass is only started, as its own work item,
// after the first pass has reported completion.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/workq"
)

// Phase is the discovery pass in progress.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseService
	PhaseCharacteristic
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseService:
		return "service"
	case PhaseCharacteristic:
		return "characteristic"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

var (
	// ErrServiceNotFound means the peer does not expose the service.
	ErrServiceNotFound = errors.New("discovery: service not found")
	// ErrCharacteristicNotFound means the service lacks the action
	// characteristic.
	ErrCharacteristicNotFound = errors.New("discovery: characteristic not found")
	// ErrTeardownFailed is joined to the failure when the link could not be
	// torn down; the caller has to release the link itself.
	ErrTeardownFailed = errors.New("discovery: link teardown failed")
)

// Result holds the handles found on the current connection.
type Result struct {
	ServiceFound bool
	ServiceStart uint16
	ServiceEnd   uint16

	ActionFound  bool
	ActionHandle uint16 // characteristic value handle
}

// Callbacks receive the outcome. They run on the work queue.
type Callbacks struct {
	// Phase is called when a pass starts.
	Phase func(Phase)
	// Ready is called once both passes succeed.
	Ready func(conn ble.Conn, res Result)
	// Failed is called after the sequencer gave up on the connection and
	// requested its teardown.
	Failed func(err error)
}

// Sequencer runs discovery for one connection at a time. All methods must
// be called on the work queue.
type Sequencer struct {
	q       *workq.Queue
	service uuid.UUID
	char    uuid.UUID
	cb      Callbacks
	log     *slog.Logger

	conn   ble.Conn
	phase  Phase
	result Result
	gen    uint64 // bumped on Start/Reset; stale radio callbacks are dropped
}

// New creates a Sequencer looking for char inside service.
func New(q *workq.Queue, service, char uuid.UUID, cb Callbacks, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{q: q, service: service, char: char, cb: cb, log: logger}
}

// Start begins phase 1 on conn, discarding any previous run.
func (s *Sequencer) Start(conn ble.Conn) {
	s.gen++
	s.conn = conn
	s.result = Result{}
	s.setPhase(PhaseService)

	svc := s.service
	s.discover(&ble.DiscoverParams{
		Type:        ble.DiscoverPrimary,
		UUID:        &svc,
		StartHandle: ble.FirstHandle,
		EndHandle:   ble.LastHandle,
	})
}

// Reset drops the connection reference and clears the handles. Callbacks
// still in flight for the old connection are ignored.
func (s *Sequencer) Reset() {
	s.gen++
	s.conn = nil
	s.result = Result{}
	s.phase = PhaseIdle
}

// Result returns the handles found so far.
func (s *Sequencer) Result() Result {
	return s.result
}

// Phase returns the pass in progress.
func (s *Sequencer) Phase() Phase {
	return s.phase
}

// Conn returns the connection under discovery, or nil.
func (s *Sequencer) Conn() ble.Conn {
	return s.conn
}

func (s *Sequencer) setPhase(p Phase) {
	s.phase = p
	if s.cb.Phase != nil {
		s.cb.Phase(p)
	}
}

// discover starts one pass. Attribute callbacks arrive on the radio's
// goroutine and are posted back onto the queue in order, terminal nil last.
func (s *Sequencer) discover(params *ble.DiscoverParams) {
	gen := s.gen
	phase := s.phase
	params.Func = func(_ ble.Conn, attr *ble.Attribute, _ *ble.DiscoverParams) ble.IterAction {
		if attr == nil {
			s.q.Submit(func() { s.complete(gen, phase) })
			return ble.IterStop
		}
		a := *attr
		s.q.Submit(func() { s.found(gen, phase, a) })
		return ble.IterContinue
	}
	if err := s.conn.Discover(params); err != nil {
		s.fail(fmt.Errorf("discovery: start %s pass: %w", phase, err))
	}
}

func (s *Sequencer) stale(gen uint64, phase Phase) bool {
	return gen != s.gen || phase != s.phase
}

func (s *Sequencer) found(gen uint64, phase Phase, a ble.Attribute) {
	if s.stale(gen, phase) {
		return
	}
	switch phase {
	case PhaseService:
		if a.UUID != s.service {
			return
		}
		s.log.Debug("[DISCOVERY] service", "start", fmt.Sprintf("0x%04x", a.Handle), "end", fmt.Sprintf("0x%04x", a.EndHandle))
		s.result.ServiceFound = true
		s.result.ServiceStart = a.Handle
		s.result.ServiceEnd = a.EndHandle
	case PhaseCharacteristic:
		if a.UUID != s.char {
			return
		}
		s.log.Debug("[DISCOVERY] action characteristic", "handle", fmt.Sprintf("0x%04x", a.ValueHandle))
		s.result.ActionFound = true
		s.result.ActionHandle = a.ValueHandle
	}
}

func (s *Sequencer) complete(gen uint64, phase Phase) {
	if s.stale(gen, phase) {
		return
	}
	switch phase {
	case PhaseService:
		if !s.result.ServiceFound {
			s.fail(ErrServiceNotFound)
			return
		}
		// The service's end handle is only final now.
		s.q.Submit(func() { s.startCharacteristics(gen) })
	case PhaseCharacteristic:
		if !s.result.ActionFound {
			s.fail(ErrCharacteristicNotFound)
			return
		}
		s.setPhase(PhaseDone)
		s.log.Info("[DISCOVERY] complete", "action_handle", fmt.Sprintf("0x%04x", s.result.ActionHandle))
		if s.cb.Ready != nil {
			s.cb.Ready(s.conn, s.result)
		}
	}
}

func (s *Sequencer) startCharacteristics(gen uint64) {
	if s.stale(gen, PhaseService) {
		return
	}
	s.setPhase(PhaseCharacteristic)
	start := s.result.ServiceStart + 1
	end := s.result.ServiceEnd
	if start > end {
		// Empty service.
		s.fail(ErrCharacteristicNotFound)
		return
	}
	s.discover(&ble.DiscoverParams{
		Type:        ble.DiscoverCharacteristic,
		StartHandle: start,
		EndHandle:   end,
	})
}

// fail tears the link down and releases it. A peer without the service or
// characteristic is not retried on the same connection.
func (s *Sequencer) fail(err error) {
	conn := s.conn
	s.Reset()

	s.log.Error("[DISCOVERY] failed, disconnecting", "error", err)
	if conn != nil {
		if derr := conn.Disconnect(ble.ReasonRemoteUserTerminated); derr != nil && !errors.Is(derr, ble.ErrNotConnected) {
			err = fmt.Errorf("%w: %w: %w", err, ErrTeardownFailed, derr)
		}
	}
	if s.cb.Failed != nil {
		s.cb.Failed(err)
	}
}
