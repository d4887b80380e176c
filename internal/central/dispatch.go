package central

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/workq"
)

var (
	// ErrNotReady is returned when there is no connection with a known
	// action handle.
	ErrNotReady = errors.New("central: no ready connection")
	// ErrWriteInFlight is returned while a previous write awaits its
	// completion.
	ErrWriteInFlight = errors.New("central: write in flight")
)

// Dispatcher sends the desired ON/OFF value to the peer's action
// characteristic, one write at a time. A press that arrives while a write
// is outstanding is not queued: when the write completes, one follow-up
// write is sent if the desired value no longer matches what was written.
// A failed write is logged and never retried.
//
// All methods run on the work queue.
type Dispatcher struct {
	q   *workq.Queue
	log *slog.Logger

	conn   ble.Conn
	handle uint16
	gen    uint64 // bumped on Attach/Detach; stale completions are dropped

	desired  bool
	inFlight bool
	sending  bool // value of the outstanding write
	deferred bool // a press arrived while a write was in flight

	writes int
}

// NewDispatcher creates a Dispatcher. Completions are posted to q.
func NewDispatcher(q *workq.Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{q: q, log: logger}
}

// Attach makes conn the write target. The peer starts with its output
// off, so the next press sends 1.
func (d *Dispatcher) Attach(conn ble.Conn, handle uint16) {
	d.gen++
	d.conn = conn
	d.handle = handle
	d.desired = false
	d.inFlight = false
	d.deferred = false
}

// Detach forgets the connection. A write still outstanding on it is
// abandoned.
func (d *Dispatcher) Detach() {
	d.gen++
	d.conn = nil
	d.handle = 0
	d.inFlight = false
	d.deferred = false
}

// Press flips the desired remote value and dispatches it.
func (d *Dispatcher) Press() {
	d.desired = !d.desired
	d.log.Debug("[CENTRAL] button press", "desired", level(d.desired))
	d.Dispatch()
}

// Dispatch sends the desired value if possible. Without a ready link the
// press is dropped; with a write outstanding it is deferred.
func (d *Dispatcher) Dispatch() {
	err := d.Send(d.desired)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotReady):
		d.log.Debug("[CENTRAL] press ignored, no ready connection")
	case errors.Is(err, ErrWriteInFlight):
		d.deferred = true
		d.log.Debug("[CENTRAL] write in flight, deferring")
	default:
		d.log.Error("[CENTRAL] write start failed", "error", err)
	}
}

// Send starts a write of value. It returns ErrNotReady without a target
// and ErrWriteInFlight while another write is outstanding.
func (d *Dispatcher) Send(value bool) error {
	if d.conn == nil || d.handle == 0 {
		return ErrNotReady
	}
	if d.inFlight {
		return ErrWriteInFlight
	}

	gen := d.gen
	err := d.conn.Write(d.handle, []byte{level(value)}, func(err error) {
		// Radio goroutine.
		d.q.Submit(func() { d.complete(gen, err) })
	})
	if err != nil {
		return fmt.Errorf("central: write handle 0x%04x: %w", d.handle, err)
	}
	d.inFlight = true
	d.sending = value
	d.writes++
	d.log.Info("[CENTRAL] write started", "value", level(value), "handle", fmt.Sprintf("0x%04x", d.handle))
	return nil
}

func (d *Dispatcher) complete(gen uint64, err error) {
	if gen != d.gen {
		return
	}
	d.inFlight = false
	if err != nil {
		d.log.Error("[CENTRAL] write failed", "error", err)
	} else {
		d.log.Info("[CENTRAL] write ok", "value", level(d.sending))
	}

	if d.deferred {
		d.deferred = false
		if d.desired != d.sending {
			d.Dispatch()
		}
	}
}

// Desired returns the value the next write will carry.
func (d *Dispatcher) Desired() bool {
	return d.desired
}

// InFlight reports whether a write awaits completion.
func (d *Dispatcher) InFlight() bool {
	return d.inFlight
}

// Writes returns the number of writes started.
func (d *Dispatcher) Writes() int {
	return d.writes
}

func level(on bool) byte {
	if on {
		return 1
	}
	return 0
}
