package sim

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/ble"
)

type attrKind int

const (
	kindService attrKind = iota
	kindCharDecl
	kindCharValue
)

// attr is one row of a device's attribute table.
type attr struct {
	handle      uint16
	kind        attrKind
	uuid        uuid.UUID
	endHandle   uint16 // service
	valueHandle uint16 // characteristic declaration
	char        *ble.Characteristic
}

// Device is a simulated controller. It can act as a central, a
// peripheral, or both.
type Device struct {
	air  *Air
	addr string

	mu        sync.Mutex
	enabled   bool
	callbacks ble.ConnCallbacks
	links     []*Conn

	// central
	scanning        bool
	onReport        func(ble.Advertisement)
	onScanStop      func(error)
	connectRequests int

	// peripheral
	advertising bool
	ad, sd      []byte
	table       []*attr
	nextHandle  uint16
	values      map[uuid.UUID][]byte

	// injected failures, consumed one per call
	enableErr     error
	scanErrs      []error
	connectErrs   []error
	establishErrs []uint8
	advErrs       []error
}

var (
	_ ble.Central    = (*Device)(nil)
	_ ble.Peripheral = (*Device)(nil)
)

// Address returns the device address.
func (d *Device) Address() string {
	return d.addr
}

func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableErr != nil {
		return d.enableErr
	}
	d.enabled = true
	return nil
}

func (d *Device) SetConnCallbacks(cb ble.ConnCallbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = cb
}

func (d *Device) connCallbacks() ble.ConnCallbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks
}

// popErr must be called with mu held.
func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (d *Device) StartScan(onReport func(ble.Advertisement), onStop func(err error)) error {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return ble.ErrNotEnabled
	}
	if err := popErr(&d.scanErrs); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.scanning {
		d.mu.Unlock()
		return ble.ErrAlreadyScanning
	}
	d.scanning = true
	d.onReport = onReport
	d.onScanStop = onStop
	d.mu.Unlock()

	for _, other := range d.air.others(d) {
		d.air.postReports(d, other)
	}
	return nil
}

func (d *Device) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanning = false
	d.onReport = nil
	d.onScanStop = nil
	return nil
}

// EndScan makes the controller end a running scan on its own, as a stack
// does when the adapter goes away. The scan's onStop receives err, or
// ble.ErrScanEnded when err is nil.
func (d *Device) EndScan(err error) {
	if err == nil {
		err = ble.ErrScanEnded
	}
	d.air.post(func() {
		d.mu.Lock()
		if !d.scanning {
			d.mu.Unlock()
			return
		}
		onStop := d.onScanStop
		d.scanning = false
		d.onReport = nil
		d.onScanStop = nil
		d.mu.Unlock()

		if onStop != nil {
			onStop(err)
		}
	})
}

func (d *Device) scanHandler() (func(ble.Advertisement), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scanning || d.onReport == nil {
		return nil, false
	}
	return d.onReport, true
}

// InjectReport delivers a hand-built report to this device if it is
// scanning.
func (d *Device) InjectReport(adv ble.Advertisement) {
	d.air.post(func() {
		if onReport, ok := d.scanHandler(); ok {
			onReport(adv)
		}
	})
}

func (d *Device) Connect(address string) (ble.Conn, error) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return nil, ble.ErrNotEnabled
	}
	if err := popErr(&d.connectErrs); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.connectRequests++
	var reason uint8
	if len(d.establishErrs) > 0 {
		reason = d.establishErrs[0]
		d.establishErrs = d.establishErrs[1:]
	}
	d.mu.Unlock()

	c := &Conn{air: d.air, local: d, addr: address}
	d.air.post(func() { d.establish(c, reason) })
	return c, nil
}

// establish completes a connection request.
func (d *Device) establish(c *Conn, reason uint8) {
	cb := d.connCallbacks()
	peer := d.air.lookup(c.addr)

	if reason == 0 && (peer == nil || !peer.takeConnectable()) {
		reason = ble.ReasonConnFailedToEstablish
	}
	if reason != 0 {
		if cb.Connected != nil {
			cb.Connected(c, &linkError{addr: c.addr, reason: reason})
		}
		return
	}

	pc := &Conn{air: d.air, local: peer, addr: d.addr}
	c.link(pc)
	d.addLink(c)
	peer.addLink(pc)

	if cb.Connected != nil {
		cb.Connected(c, nil)
	}
	if pcb := peer.connCallbacks(); pcb.Connected != nil {
		pcb.Connected(pc, nil)
	}
}

// takeConnectable accepts an incoming connection, which ends connectable
// advertising the way a controller does.
func (d *Device) takeConnectable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled || !d.advertising {
		return false
	}
	d.advertising = false
	return true
}

func (d *Device) addLink(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, c)
}

func (d *Device) removeLink(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.links {
		if l == c {
			d.links = append(d.links[:i], d.links[i+1:]...)
			return
		}
	}
}

// Links returns the number of open connections.
func (d *Device) Links() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

// DropLinks simulates loss of every link (supervision timeout on both ends).
func (d *Device) DropLinks() {
	d.mu.Lock()
	links := append([]*Conn(nil), d.links...)
	d.mu.Unlock()
	for _, c := range links {
		c := c
		d.air.post(func() { c.teardown(ble.ReasonConnTimeout, ble.ReasonConnTimeout) })
	}
}

func (d *Device) AddService(svc *ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addServiceLocked(svc)
	return nil
}

// addServiceLocked must be called with mu held.
func (d *Device) addServiceLocked(svc *ble.Service) {
	s := &attr{handle: d.nextHandle, kind: kindService, uuid: svc.UUID}
	d.table = append(d.table, s)
	d.nextHandle++
	for i := range svc.Characteristics {
		ch := &svc.Characteristics[i]
		decl := &attr{handle: d.nextHandle, kind: kindCharDecl, uuid: ch.UUID, valueHandle: d.nextHandle + 1, char: ch}
		value := &attr{handle: d.nextHandle + 1, kind: kindCharValue, uuid: ch.UUID, char: ch}
		d.table = append(d.table, decl, value)
		d.nextHandle += 2
	}
	s.endHandle = d.nextHandle - 1
}

// addGAP registers the mandatory GAP service ahead of application services.
func (d *Device) addGAP() {
	name := []byte(d.addr)
	d.addServiceLocked(&ble.Service{
		UUID: ble.UUID16(0x1800),
		Characteristics: []ble.Characteristic{{
			UUID:       ble.UUID16(0x2a00),
			Properties: ble.PropRead,
			Read: func(ble.Conn, int) ([]byte, error) {
				return name, nil
			},
		}},
	})
}

func (d *Device) SetValue(charUUID uuid.UUID, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.table {
		if a.kind == kindCharValue && a.uuid == charUUID {
			d.values[charUUID] = append([]byte(nil), value...)
			return nil
		}
	}
	return fmt.Errorf("sim: characteristic %s not registered", charUUID)
}

func (d *Device) StartAdvertising(ad, sd []ble.ADStructure) error {
	adData, err := ble.EncodeAD(ad)
	if err != nil {
		return err
	}
	sdData, err := ble.EncodeAD(sd)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return ble.ErrNotEnabled
	}
	if err := popErr(&d.advErrs); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.advertising {
		d.mu.Unlock()
		return ble.ErrAlreadyAdvertising
	}
	d.advertising = true
	d.ad, d.sd = adData, sdData
	d.mu.Unlock()

	for _, other := range d.air.others(d) {
		d.air.postReports(other, d)
	}
	return nil
}

func (d *Device) StopAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = false
	return nil
}

func (d *Device) advertisingData() (ad, sd []byte, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ad, d.sd, d.advertising
}

// Scanning reports whether the device is scanning.
func (d *Device) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// Advertising reports whether the device is advertising.
func (d *Device) Advertising() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advertising
}

// ConnectRequests returns how many connection requests were accepted.
func (d *Device) ConnectRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectRequests
}

// FailEnable makes Enable return err.
func (d *Device) FailEnable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enableErr = err
}

// FailNextScan makes the next StartScan calls return errs in order.
func (d *Device) FailNextScan(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanErrs = append(d.scanErrs, errs...)
}

// FailNextConnect makes the next Connect calls return errs in order.
func (d *Device) FailNextConnect(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErrs = append(d.connectErrs, errs...)
}

// FailNextEstablish makes the next accepted connection requests complete
// with a Connected error carrying reason.
func (d *Device) FailNextEstablish(reasons ...uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.establishErrs = append(d.establishErrs, reasons...)
}

// FailNextAdvertise makes the next StartAdvertising calls return errs.
func (d *Device) FailNextAdvertise(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advErrs = append(d.advErrs, errs...)
}
