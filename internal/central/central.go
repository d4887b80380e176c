// Package central implements the scanning side of the ON/OFF link: it
// scans for a peer advertising the service, connects, discovers the action
// characteristic and forwards button presses as writes.
//
// Everything runs on one work queue. Radio callbacks are re-posted onto the
// queue before they touch controller state.
package central

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/backoff"
	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/discovery"
	"github.com/chaz8081/blelbs/internal/status"
	"github.com/chaz8081/blelbs/internal/workq"
)

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Service uuid.UUID // defaults to ble.ServiceUUID
	Action  uuid.UUID // defaults to ble.ActionCharUUID
	Policy  backoff.Policy
	Logger  *slog.Logger
	// OnState is called on the work queue after every transition.
	OnState func(State)
}

// Controller is the central's connection lifecycle state machine.
type Controller struct {
	radio   ble.Central
	q       *workq.Queue
	signal  *status.Signal
	service uuid.UUID
	log     *slog.Logger
	onState func(State)

	mu    sync.Mutex // guards state for readers off the queue
	state State

	conn     ble.Conn
	scanID   uint64 // session of the scan the radio is running
	disc     *discovery.Sequencer
	scan     *backoff.Scheduler
	dispatch *Dispatcher
}

// New creates a Controller. signal may be nil.
func New(radio ble.Central, q *workq.Queue, signal *status.Signal, opts Options) *Controller {
	if opts.Service == uuid.Nil {
		opts.Service = ble.ServiceUUID
	}
	if opts.Action == uuid.Nil {
		opts.Action = ble.ActionCharUUID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		radio:   radio,
		q:       q,
		signal:  signal,
		service: opts.Service,
		log:     opts.Logger,
		onState: opts.OnState,
		state:   Idle{},
	}
	c.scan = backoff.NewScheduler(q, opts.Policy, c.startScan)
	c.dispatch = NewDispatcher(q, opts.Logger)
	c.disc = discovery.New(q, opts.Service, opts.Action, discovery.Callbacks{
		Phase:  c.onPhase,
		Ready:  c.onReady,
		Failed: c.onDiscoveryFailed,
	}, opts.Logger)
	return c
}

// Start enables the radio and schedules the first scan. An enable failure
// is returned; everything after that recovers on its own.
func (c *Controller) Start() error {
	if err := c.radio.Enable(); err != nil {
		return fmt.Errorf("central: enable radio: %w", err)
	}
	c.radio.SetConnCallbacks(ble.ConnCallbacks{
		Connected:    c.onConnected,
		Disconnected: c.onDisconnected,
	})
	c.q.Submit(c.boot)
	return nil
}

func (c *Controller) boot() {
	c.log.Info("[CENTRAL] started", "service", c.service)
	c.setStatus(status.SolidOn)
	c.scheduleScan(true)
}

// State returns the current state. Safe from any goroutine.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	c.log.Debug("[CENTRAL] state", "state", s.String())
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Controller) setStatus(m status.Mode) {
	if c.signal != nil {
		c.signal.SetMode(m)
	}
}

// scheduleScan arms the scan retry and enters BackingOff.
func (c *Controller) scheduleScan(reset bool) {
	delay := c.scan.Retry(reset)
	deadline, _ := c.scan.Deadline()
	c.log.Info("[CENTRAL] scan retry scheduled", "delay", delay, "attempt", c.scan.Attempt())
	c.setState(BackingOff{Attempt: c.scan.Attempt(), Deadline: deadline})
}

// startScan runs when the scan retry fires.
func (c *Controller) startScan() {
	switch s := c.State().(type) {
	case Idle, BackingOff:
	default:
		c.log.Debug("[CENTRAL] scan retry ignored", "state", s.String())
		return
	}

	id := c.scanID + 1
	err := c.radio.StartScan(c.onReport, func(err error) { c.onScanStopped(id, err) })
	switch {
	case err == nil:
		c.scanID = id
	case errors.Is(err, ble.ErrAlreadyScanning):
		// The running scan keeps its session.
	default:
		c.log.Warn("[CENTRAL] scan start failed", "error", err)
		c.setStatus(status.SolidOn)
		c.scheduleScan(false)
		return
	}
	c.log.Info("[CENTRAL] scanning")
	c.setState(Scanning{})
	c.setStatus(status.Blink2Hz)
}

// onReport runs on the radio goroutine.
func (c *Controller) onReport(adv ble.Advertisement) {
	adv.Data = append([]byte(nil), adv.Data...)
	c.q.Submit(func() { c.handleReport(adv) })
}

// onScanStopped runs on the radio goroutine when the radio ends a scan on
// its own.
func (c *Controller) onScanStopped(id uint64, err error) {
	c.q.Submit(func() { c.handleScanStopped(id, err) })
}

func (c *Controller) handleScanStopped(id uint64, err error) {
	if id != c.scanID {
		c.log.Debug("[CENTRAL] stale scan end", "error", err)
		return
	}
	if _, ok := c.State().(Scanning); !ok {
		return
	}
	c.log.Warn("[CENTRAL] scan ended by the radio", "error", err)
	c.setStatus(status.SolidOn)
	c.scheduleScan(false)
}

func connectable(t ble.ReportType) bool {
	switch t {
	case ble.ReportAdvInd, ble.ReportAdvDirectInd, ble.ReportAdvScanInd, ble.ReportScanRsp:
		return true
	default:
		return false
	}
}

func (c *Controller) handleReport(adv ble.Advertisement) {
	// Only one connection attempt: later reports find us past Scanning.
	if _, ok := c.State().(Scanning); !ok {
		return
	}
	if !connectable(adv.Type) {
		return
	}
	structs, err := adv.Structures()
	if err != nil {
		c.log.Debug("[CENTRAL] malformed advertising data", "addr", adv.Address, "error", err)
	}
	if !ble.HasUUID128(structs, c.service) {
		return
	}
	c.log.Info("[CENTRAL] found peer", "addr", adv.Address, "type", adv.Type.String(), "rssi", adv.RSSI)

	if err := c.radio.StopScan(); err != nil {
		c.log.Warn("[CENTRAL] stop scan failed", "error", err)
	}
	c.setState(Connecting{Address: adv.Address})
	c.setStatus(status.SolidOn)

	conn, err := c.radio.Connect(adv.Address)
	if err != nil {
		c.log.Warn("[CENTRAL] connect request failed", "addr", adv.Address, "error", err)
		c.scheduleScan(false)
		return
	}
	c.conn = conn
}

// onConnected runs on the radio goroutine.
func (c *Controller) onConnected(conn ble.Conn, err error) {
	c.q.Submit(func() { c.handleConnected(conn, err) })
}

func (c *Controller) handleConnected(conn ble.Conn, err error) {
	st, ok := c.State().(Connecting)
	if !ok || conn != c.conn {
		c.log.Debug("[CENTRAL] stale connect event", "addr", conn.Address())
		return
	}
	if err != nil {
		c.log.Warn("[CENTRAL] connection failed", "addr", st.Address, "error", err)
		c.conn = nil
		c.setStatus(status.SolidOn)
		c.scheduleScan(false)
		return
	}

	c.log.Info("[CENTRAL] connected", "addr", st.Address)
	c.scan.Reset()
	c.scan.Cancel()
	c.setState(Discovering{Address: st.Address, Phase: discovery.PhaseIdle})
	c.disc.Start(conn)
}

func (c *Controller) onPhase(p discovery.Phase) {
	if s, ok := c.State().(Discovering); ok && p != discovery.PhaseDone {
		s.Phase = p
		c.setState(s)
	}
}

func (c *Controller) onReady(conn ble.Conn, res discovery.Result) {
	c.setState(Ready{Address: conn.Address(), ActionHandle: res.ActionHandle})
	c.setStatus(status.SolidOff)
	c.dispatch.Attach(conn, res.ActionHandle)
}

// onDiscoveryFailed waits for the disconnect the sequencer requested. If
// the teardown could not even be requested, the link is dropped locally.
func (c *Controller) onDiscoveryFailed(err error) {
	if errors.Is(err, discovery.ErrTeardownFailed) {
		c.linkLost(ble.ReasonLocalHostTerminated)
	}
}

// onDisconnected runs on the radio goroutine.
func (c *Controller) onDisconnected(conn ble.Conn, reason uint8) {
	c.q.Submit(func() { c.handleDisconnected(conn, reason) })
}

func (c *Controller) handleDisconnected(conn ble.Conn, reason uint8) {
	if c.conn == nil || conn != c.conn {
		c.log.Debug("[CENTRAL] stale disconnect event", "addr", conn.Address())
		return
	}
	c.linkLost(reason)
}

// linkLost clears every piece of connection state before the retry is
// scheduled.
func (c *Controller) linkLost(reason uint8) {
	c.log.Info("[CENTRAL] disconnected", "reason", fmt.Sprintf("0x%02x", reason))
	c.disc.Reset()
	c.dispatch.Detach()
	c.conn = nil
	c.setStatus(status.SolidOn)
	c.scheduleScan(true)
}

// Press forwards a debounced button press. It must run on the work queue.
func (c *Controller) Press() {
	c.dispatch.Press()
}

// Dispatcher returns the write dispatcher.
func (c *Controller) Dispatcher() *Dispatcher {
	return c.dispatch
}

// Discovery returns the handles found on the current connection.
func (c *Controller) Discovery() discovery.Result {
	return c.disc.Result()
}

// RetryPending reports whether a scan retry is scheduled.
func (c *Controller) RetryPending() bool {
	return c.scan.Pending()
}

// Attempt returns the scan retry attempt counter.
func (c *Controller) Attempt() int {
	return c.scan.Attempt()
}
