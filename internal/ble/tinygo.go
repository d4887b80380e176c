package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Central and Peripheral on top of
// tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on macOS).
//
// tinygo/bluetooth hides the attribute table: discovered services and
// characteristics are given synthetic handles, assigned in discovery order
// the first time a connection is discovered. It also does not surface ATT
// error codes from local write handlers; a rejected write is logged and the
// remote side sees a successful write.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// scanFn and stopScanFn default to the adapter's Scan and StopScan.
	scanFn     func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	stopScanFn func() error

	// watch lists the service UUIDs reported in synthesized advertising
	// data when the platform does not expose raw payloads.
	watch []uuid.UUID

	mu          sync.Mutex
	callbacks   ConnCallbacks
	scanning    *tinyGoScan // nil when idle
	advertising bool
	adv         *bluetooth.Advertisement
	conns       map[string]*tinyGoConn // outgoing links keyed by address
	peer        *tinyGoConn            // incoming link (peripheral role)
	local       map[uuid.UUID]*bluetooth.Characteristic
}

// NewTinyGoAdapter creates an adapter on the default controller. watch
// lists the service UUIDs the central looks for.
func NewTinyGoAdapter(watch ...uuid.UUID) *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		watch:   watch,
		conns:   make(map[string]*tinyGoConn),
		local:   make(map[uuid.UUID]*bluetooth.Characteristic),
	}
	a.scanFn = a.adapter.Scan
	a.stopScanFn = a.adapter.StopScan
	return a
}

// tinyGoScan is one scan session. stopped is guarded by the adapter's mu.
type tinyGoScan struct {
	stopped bool
}

var (
	_ Central    = (*TinyGoAdapter)(nil)
	_ Peripheral = (*TinyGoAdapter)(nil)
)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.adapter.SetConnectHandler(a.onConnectEvent)
	return nil
}

func (a *TinyGoAdapter) SetConnCallbacks(cb ConnCallbacks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = cb
}

// onConnectEvent receives every link change from the stack. Outgoing links
// report their establishment through Connect; here they only see loss.
func (a *TinyGoAdapter) onConnectEvent(device bluetooth.Device, connected bool) {
	addr := device.Address.String()

	a.mu.Lock()
	cb := a.callbacks
	out, outgoing := a.conns[addr]
	if connected {
		if outgoing {
			a.mu.Unlock()
			return
		}
		d := device
		conn := &tinyGoConn{adapter: a, addr: addr, device: &d, connected: true}
		a.peer = conn
		// Controllers end connectable advertising when they accept a link.
		a.advertising = false
		a.mu.Unlock()

		slog.Debug("[BLE] incoming connection", "addr", addr)
		if cb.Connected != nil {
			cb.Connected(conn, nil)
		}
		return
	}

	var conn *tinyGoConn
	switch {
	case outgoing:
		conn = out
		delete(a.conns, addr)
	case a.peer != nil && a.peer.addr == addr:
		conn = a.peer
		a.peer = nil
	}
	a.mu.Unlock()

	if conn == nil {
		return
	}
	reason := conn.markDisconnected()
	slog.Debug("[BLE] link lost", "addr", addr, "reason", fmt.Sprintf("0x%02x", reason))
	if cb.Disconnected != nil {
		cb.Disconnected(conn, reason)
	}
}

func (a *TinyGoAdapter) StartScan(onReport func(Advertisement), onStop func(err error)) error {
	a.mu.Lock()
	if a.scanning != nil {
		a.mu.Unlock()
		return ErrAlreadyScanning
	}
	scan := &tinyGoScan{}
	a.scanning = scan
	a.mu.Unlock()

	// Scan blocks until StopScan or until the stack gives up.
	go func() {
		err := a.scanFn(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			onReport(a.report(result))
		})

		a.mu.Lock()
		stopped := scan.stopped
		if a.scanning == scan {
			a.scanning = nil
		}
		a.mu.Unlock()

		if stopped {
			if err != nil {
				slog.Debug("[BLE] scan stopped", "error", err)
			}
			return
		}
		if err != nil {
			err = fmt.Errorf("ble: scan: %w", err)
		} else {
			err = ErrScanEnded
		}
		slog.Error("[BLE] scan ended", "error", err)
		if onStop != nil {
			onStop(err)
		}
	}()
	return nil
}

// report converts a scan result. Platforms that expose the raw payload
// pass it through; the others get AD synthesized from the decoded fields.
func (a *TinyGoAdapter) report(result bluetooth.ScanResult) Advertisement {
	adv := Advertisement{
		Address: result.Address.String(),
		Type:    ReportAdvInd,
		RSSI:    int(result.RSSI),
	}
	if raw := result.Bytes(); len(raw) > 0 {
		adv.Data = raw
		return adv
	}

	var structs []ADStructure
	if name := result.LocalName(); name != "" {
		structs = append(structs, ADStructure{Type: ADNameComplete, Data: []byte(name)})
	}
	var found []uuid.UUID
	for _, u := range a.watch {
		bu, err := toTinyGoUUID(u)
		if err != nil {
			continue
		}
		if result.HasServiceUUID(bu) {
			found = append(found, u)
		}
	}
	if len(found) > 0 {
		structs = append(structs, UUID128Structure(found...))
	}
	// Skip the length limit: the payload never goes back on air.
	for _, s := range structs {
		adv.Data = append(adv.Data, byte(len(s.Data)+1), byte(s.Type))
		adv.Data = append(adv.Data, s.Data...)
	}
	return adv
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	scan := a.scanning
	if scan != nil {
		scan.stopped = true
		a.scanning = nil
	}
	a.mu.Unlock()
	if scan == nil {
		return nil
	}
	if err := a.stopScanFn(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(address string) (Conn, error) {
	var addr bluetooth.Address
	addr.Set(address)

	conn := &tinyGoConn{adapter: a, addr: address}
	a.mu.Lock()
	if _, busy := a.conns[address]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ErrBusy)
	}
	a.conns[address] = conn
	a.mu.Unlock()

	// tinygo/bluetooth's Connect blocks with its own timeout.
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})

		a.mu.Lock()
		cb := a.callbacks
		if err != nil {
			delete(a.conns, address)
		}
		a.mu.Unlock()

		if err != nil {
			if cb.Connected != nil {
				cb.Connected(conn, fmt.Errorf("ble: connect to %s: %w", address, err))
			}
			return
		}
		conn.established(&device)
		if cb.Connected != nil {
			cb.Connected(conn, nil)
		}
	}()
	return conn, nil
}

func (a *TinyGoAdapter) AddService(svc *Service) error {
	svcUUID, err := toTinyGoUUID(svc.UUID)
	if err != nil {
		return err
	}
	bs := &bluetooth.Service{UUID: svcUUID}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range svc.Characteristics {
		ch := &svc.Characteristics[i]
		chUUID, err := toTinyGoUUID(ch.UUID)
		if err != nil {
			return err
		}
		handle := &bluetooth.Characteristic{}
		a.local[ch.UUID] = handle

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   chUUID,
			Flags:  tinyGoFlags(ch.Properties),
		}
		if ch.Read != nil {
			if v, err := ch.Read(nil, 0); err == nil {
				cfg.Value = v
			}
		}
		if ch.Write != nil {
			cfg.WriteEvent = func(_ bluetooth.Connection, offset int, value []byte) {
				a.mu.Lock()
				peer := a.peer
				a.mu.Unlock()
				var conn Conn
				if peer != nil {
					conn = peer
				}
				if err := ch.Write(conn, value, offset); err != nil {
					slog.Warn("[BLE] write rejected", "char", ch.UUID, "error", err)
				}
			}
		}
		bs.Characteristics = append(bs.Characteristics, cfg)
	}
	if err := a.adapter.AddService(bs); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}
	return nil
}

func (a *TinyGoAdapter) SetValue(charUUID uuid.UUID, value []byte) error {
	a.mu.Lock()
	handle, ok := a.local[charUUID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not registered", charUUID)
	}
	if _, err := handle.Write(value); err != nil {
		return fmt.Errorf("ble: set value %s: %w", charUUID, err)
	}
	return nil
}

func (a *TinyGoAdapter) StartAdvertising(ad, sd []ADStructure) error {
	all := append(append([]ADStructure(nil), ad...), sd...)
	opts := bluetooth.AdvertisementOptions{LocalName: LocalName(all)}
	for _, u := range UUID128s(all) {
		bu, err := toTinyGoUUID(u)
		if err != nil {
			return err
		}
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, bu)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advertising {
		return ErrAlreadyAdvertising
	}
	if a.adv == nil {
		a.adv = a.adapter.DefaultAdvertisement()
	}
	if err := a.adv.Configure(opts); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := a.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	a.advertising = true
	return nil
}

func (a *TinyGoAdapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adv == nil || !a.advertising {
		return nil
	}
	a.advertising = false
	if err := a.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func tinyGoFlags(p Property) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p&PropRead != 0 {
		f |= bluetooth.CharacteristicReadPermission
	}
	if p&PropWrite != 0 {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p&PropWriteNoResponse != 0 {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p&PropNotify != 0 {
		f |= bluetooth.CharacteristicNotifyPermission
	}
	return f
}

func toTinyGoUUID(u uuid.UUID) (bluetooth.UUID, error) {
	bu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", u, err)
	}
	return bu, nil
}

func fromTinyGoUUID(u bluetooth.UUID) uuid.UUID {
	parsed, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

// tinyGoConn is one link. Outgoing links are created before establishment
// and filled in once tinygo's Connect returns.
type tinyGoConn struct {
	adapter *TinyGoAdapter
	addr    string

	mu            sync.Mutex
	device        *bluetooth.Device
	connected     bool
	closing       bool
	table         []tinyGoAttr
	discoverStart sync.Once
	discoverErr   error
}

// tinyGoAttr is a synthesized attribute table row.
type tinyGoAttr struct {
	attr    Attribute
	service bool
	char    *bluetooth.DeviceCharacteristic
}

func (c *tinyGoConn) established(device *bluetooth.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = device
	c.connected = true
}

// markDisconnected closes the link and returns the reason to report.
func (c *tinyGoConn) markDisconnected() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.closing {
		return ReasonLocalHostTerminated
	}
	// The stack does not report the HCI reason.
	return ReasonRemoteUserTerminated
}

func (c *tinyGoConn) Address() string {
	return c.addr
}

func (c *tinyGoConn) current() (*bluetooth.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device, c.connected && c.device != nil
}

// loadTable discovers every service and characteristic once per link.
func (c *tinyGoConn) loadTable(device *bluetooth.Device) error {
	c.discoverStart.Do(func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			c.discoverErr = fmt.Errorf("ble: discover services: %w", err)
			return
		}
		var table []tinyGoAttr
		handle := FirstHandle
		for i := range svcs {
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				c.discoverErr = fmt.Errorf("ble: discover characteristics: %w", err)
				return
			}
			svcRow := len(table)
			table = append(table, tinyGoAttr{
				attr:    Attribute{Handle: handle, UUID: fromTinyGoUUID(svcs[i].UUID())},
				service: true,
			})
			handle++
			for j := range chars {
				ch := chars[j]
				table = append(table, tinyGoAttr{
					attr: Attribute{
						Handle:      handle,
						UUID:        fromTinyGoUUID(ch.UUID()),
						ValueHandle: handle + 1,
						Properties:  PropRead | PropWrite,
					},
					char: &ch,
				})
				handle += 2
			}
			table[svcRow].attr.EndHandle = handle - 1
		}
		c.mu.Lock()
		c.table = table
		c.mu.Unlock()
	})
	return c.discoverErr
}

func (c *tinyGoConn) Discover(params *DiscoverParams) error {
	device, ok := c.current()
	if !ok {
		return ErrNotConnected
	}
	go c.walk(device, params)
	return nil
}

// walk reports the matching rows and then the terminal nil attribute. A
// failed table load reports the terminal attribute alone, which the caller
// sees as nothing found.
func (c *tinyGoConn) walk(device *bluetooth.Device, params *DiscoverParams) {
	if err := c.loadTable(device); err != nil {
		slog.Error("[BLE] discovery failed", "addr", c.addr, "error", err)
		params.Func(c, nil, params)
		return
	}
	c.mu.Lock()
	table := c.table
	c.mu.Unlock()

	for _, row := range table {
		a := row.attr
		if a.Handle < params.StartHandle || a.Handle > params.EndHandle {
			continue
		}
		if params.UUID != nil && *params.UUID != a.UUID {
			continue
		}
		if (params.Type == DiscoverPrimary) != row.service {
			continue
		}
		if params.Func(c, &a, params) == IterStop {
			return
		}
	}
	params.Func(c, nil, params)
}

func (c *tinyGoConn) Write(handle uint16, data []byte, done func(err error)) error {
	if _, ok := c.current(); !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	var char *bluetooth.DeviceCharacteristic
	for _, row := range c.table {
		if row.char != nil && row.attr.ValueHandle == handle {
			char = row.char
			break
		}
	}
	c.mu.Unlock()
	if char == nil {
		return NewATTError(ATTInvalidHandle, handle)
	}

	payload := append([]byte(nil), data...)
	go func() {
		_, err := char.Write(payload)
		if err != nil {
			err = fmt.Errorf("ble: write handle 0x%04x: %w", handle, err)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (c *tinyGoConn) Disconnect(reason uint8) error {
	device, ok := c.current()
	if !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	slog.Debug("[BLE] disconnecting", "addr", c.addr, "reason", fmt.Sprintf("0x%02x", reason))
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.addr, err)
	}
	return nil
}
