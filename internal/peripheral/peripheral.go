// Package peripheral implements the advertising side of the ON/OFF link. It
// serves the ON/OFF service, shows the written value on the status output
// and restarts advertising with backoff after every disconnect.
package peripheral

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/backoff"
	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/status"
	"github.com/chaz8081/blelbs/internal/workq"
)

// DefaultName is the advertised device name.
const DefaultName = "blelbs"

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Name    string
	Service uuid.UUID // defaults to ble.ServiceUUID
	Action  uuid.UUID // defaults to ble.ActionCharUUID
	Read    uuid.UUID // defaults to ble.ReadCharUUID
	Policy  backoff.Policy
	Logger  *slog.Logger
	// OnState is called on the work queue after every transition.
	OnState func(State)
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Service == uuid.Nil {
		o.Service = ble.ServiceUUID
	}
	if o.Action == uuid.Nil {
		o.Action = ble.ActionCharUUID
	}
	if o.Read == uuid.Nil {
		o.Read = ble.ReadCharUUID
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller is the peripheral's connection lifecycle state machine and
// local attribute server.
type Controller struct {
	radio  ble.Peripheral
	q      *workq.Queue
	signal *status.Signal
	opts   Options
	log    *slog.Logger

	mu    sync.Mutex // guards state for readers off the queue
	state State

	// level is written by the attribute server on the radio goroutine.
	levelMu sync.Mutex
	level   bool

	conn ble.Conn
	adv  *backoff.Scheduler
}

// New creates a Controller. signal may be nil.
func New(radio ble.Peripheral, q *workq.Queue, signal *status.Signal, opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		radio:  radio,
		q:      q,
		signal: signal,
		opts:   opts,
		log:    opts.Logger,
		state:  Idle{},
	}
	c.adv = backoff.NewScheduler(q, opts.Policy, c.restart)
	return c
}

// Start enables the radio, registers the service and starts advertising
// from the work queue. Enable and service registration failures are
// returned; advertising failures are retried.
func (c *Controller) Start() error {
	if err := c.radio.Enable(); err != nil {
		return fmt.Errorf("peripheral: enable radio: %w", err)
	}
	if err := c.radio.AddService(c.Service()); err != nil {
		return fmt.Errorf("peripheral: register service: %w", err)
	}
	c.radio.SetConnCallbacks(ble.ConnCallbacks{
		Connected:    c.onConnected,
		Disconnected: c.onDisconnected,
	})
	c.setLevel(false)
	c.q.Submit(c.boot)
	return nil
}

// Service returns the ON/OFF service definition.
func (c *Controller) Service() *ble.Service {
	return &ble.Service{
		UUID: c.opts.Service,
		Characteristics: []ble.Characteristic{
			{
				UUID:       c.opts.Action,
				Properties: ble.PropWrite,
				Write:      c.writeAction,
			},
			{
				UUID:       c.opts.Read,
				Properties: ble.PropRead,
				Read:       c.readLevel,
			},
		},
	}
}

// AdvertisingData returns the advertising payload (flags and name) and the
// scan response (service UUID).
func (c *Controller) AdvertisingData() (ad, sd []ble.ADStructure) {
	ad = []ble.ADStructure{
		{Type: ble.ADFlags, Data: []byte{ble.FlagLEGeneralDiscoverable | ble.FlagBREDRNotSupported}},
		{Type: ble.ADNameComplete, Data: []byte(c.opts.Name)},
	}
	sd = []ble.ADStructure{ble.UUID128Structure(c.opts.Service)}
	return ad, sd
}

func (c *Controller) boot() {
	c.log.Info("[PERIPHERAL] started", "name", c.opts.Name)
	c.restart()
}

// restart (re)starts advertising. It is also the backoff retry.
func (c *Controller) restart() {
	if err := c.startAdvertising(); err != nil {
		c.log.Error("[PERIPHERAL] advertising start failed", "error", err)
		c.setStatus(status.SolidOn)
		c.scheduleRestart(false)
		return
	}
	c.log.Info("[PERIPHERAL] advertising")
	c.adv.Reset()
	c.setState(Advertising{})
	c.setStatus(status.Blink2Hz)
}

func (c *Controller) startAdvertising() error {
	// Clear stale advertising first.
	if err := c.radio.StopAdvertising(); err != nil {
		c.log.Debug("[PERIPHERAL] stop advertising ignored", "error", err)
	}
	ad, sd := c.AdvertisingData()
	err := c.radio.StartAdvertising(ad, sd)
	if errors.Is(err, ble.ErrAlreadyAdvertising) {
		return nil
	}
	return err
}

func (c *Controller) scheduleRestart(reset bool) {
	delay := c.adv.Retry(reset)
	deadline, _ := c.adv.Deadline()
	c.log.Info("[PERIPHERAL] advertising restart scheduled", "delay", delay, "attempt", c.adv.Attempt())
	c.setState(BackingOff{Attempt: c.adv.Attempt(), Deadline: deadline})
}

// onConnected runs on the radio goroutine.
func (c *Controller) onConnected(conn ble.Conn, err error) {
	c.q.Submit(func() { c.handleConnected(conn, err) })
}

func (c *Controller) handleConnected(conn ble.Conn, err error) {
	if err != nil {
		c.log.Error("[PERIPHERAL] connection failed", "error", err)
		return
	}
	c.log.Info("[PERIPHERAL] connected", "addr", conn.Address())
	c.conn = conn
	// The central takes over the output.
	c.setLevel(false)
	c.setState(Connected{Address: conn.Address()})
	c.setStatus(status.SolidOff)
}

// onDisconnected runs on the radio goroutine.
func (c *Controller) onDisconnected(conn ble.Conn, reason uint8) {
	c.q.Submit(func() { c.handleDisconnected(conn, reason) })
}

func (c *Controller) handleDisconnected(conn ble.Conn, reason uint8) {
	if c.conn != nil && conn != c.conn {
		c.log.Debug("[PERIPHERAL] stale disconnect event", "addr", conn.Address())
		return
	}
	c.log.Warn("[PERIPHERAL] disconnected", "reason", fmt.Sprintf("0x%02x", reason))
	c.conn = nil
	c.scheduleRestart(true)
}

// writeAction validates and applies a write to the action characteristic.
// It runs on the radio goroutine; only the status update goes through the
// work queue.
func (c *Controller) writeAction(_ ble.Conn, data []byte, offset int) error {
	if len(data) != 1 {
		return ble.NewATTError(ble.ATTInvalidAttributeLength, 0)
	}
	if offset != 0 {
		return ble.NewATTError(ble.ATTInvalidOffset, 0)
	}
	if data[0] > 1 {
		return ble.NewATTError(ble.ATTValueNotAllowed, 0)
	}

	on := data[0] == 1
	c.setLevel(on)
	c.log.Info("[PERIPHERAL] rx write", "level", data[0])
	c.q.Submit(func() { c.showLevel(on) })
	return nil
}

// readLevel serves the read characteristic.
func (c *Controller) readLevel(_ ble.Conn, offset int) ([]byte, error) {
	value := []byte{0}
	if c.Level() {
		value[0] = 1
	}
	if offset > len(value) {
		return nil, ble.NewATTError(ble.ATTInvalidOffset, 0)
	}
	return value[offset:], nil
}

func (c *Controller) showLevel(on bool) {
	if on {
		c.setStatus(status.SolidOn)
	} else {
		c.setStatus(status.SolidOff)
	}
}

// setLevel stores the level and mirrors it into the read characteristic
// for stacks that serve stored values.
func (c *Controller) setLevel(on bool) {
	c.levelMu.Lock()
	c.level = on
	c.levelMu.Unlock()

	var b byte
	if on {
		b = 1
	}
	if err := c.radio.SetValue(c.opts.Read, []byte{b}); err != nil {
		c.log.Warn("[PERIPHERAL] update read value failed", "error", err)
	}
}

// Level returns the locally held output level. Safe from any goroutine.
func (c *Controller) Level() bool {
	c.levelMu.Lock()
	defer c.levelMu.Unlock()
	return c.level
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

	c.log.Debug("[PERIPHERAL] state", "state", s.String())
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Controller) setStatus(m status.Mode) {
	if c.signal != nil {
		c.signal.SetMode(m)
	}
}

// RetryPending reports whether an advertising restart is scheduled.
func (c *Controller) RetryPending() bool {
	return c.adv.Pending()
}

// Attempt returns the advertising restart attempt counter.
func (c *Controller) Attempt() int {
	return c.adv.Attempt()
}
