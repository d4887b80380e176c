// Package sim is an in-process radio for exercising both roles without
// hardware. Devices attached to the same Air see each other's advertising,
// connect, discover the peer's attribute table and write to it.
//
// Every request returns immediately and its outcome is posted to the Air's
// event queue. Events run either on Run's goroutine or on the caller of
// Drain, which lets tests interleave radio events with controller work
// deterministically.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelbs/internal/ble"
)

// DefaultAdvInterval is the advertising interval Advertise is usually run
// with.
const DefaultAdvInterval = 100 * time.Millisecond

// Air is the shared medium and its event queue.
type Air struct {
	mu      sync.Mutex
	events  []func()
	wake    chan struct{}
	devices []*Device
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{wake: make(chan struct{}, 1)}
}

func (a *Air) post(fn func()) {
	a.mu.Lock()
	a.events = append(a.events, fn)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Air) pop() (func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return nil, false
	}
	fn := a.events[0]
	a.events[0] = nil
	a.events = a.events[1:]
	return fn, true
}

// Step runs one pending event. It reports whether one ran.
func (a *Air) Step() bool {
	fn, ok := a.pop()
	if ok {
		fn()
	}
	return ok
}

// Drain runs pending events, including ones they post, until none are
// left. It returns the number of events run.
func (a *Air) Drain() int {
	n := 0
	for a.Step() {
		n++
	}
	return n
}

// Pending returns the number of queued events.
func (a *Air) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// Run delivers events until ctx is cancelled.
func (a *Air) Run(ctx context.Context) error {
	for {
		a.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
		}
	}
}

// Broadcast re-delivers one advertising interval: every advertising device
// is reported to every scanning device.
func (a *Air) Broadcast() {
	a.mu.Lock()
	devices := append([]*Device(nil), a.devices...)
	a.mu.Unlock()

	for _, adv := range devices {
		for _, scanner := range devices {
			if adv != scanner {
				a.postReports(scanner, adv)
			}
		}
	}
}

// Advertise calls Broadcast every interval until ctx is cancelled, so a
// scan sees advertisers repeatedly for as long as it runs.
func (a *Air) Advertise(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Broadcast()
		}
	}
}

// postReports queues the ADV_IND and SCAN_RSP an active scanner sees.
func (a *Air) postReports(scanner, adv *Device) {
	a.post(func() {
		onReport, ok := scanner.scanHandler()
		if !ok {
			return
		}
		data, rsp, ok := adv.advertisingData()
		if !ok {
			return
		}
		onReport(ble.Advertisement{Address: adv.addr, Type: ble.ReportAdvInd, RSSI: -50, Data: data})
		if len(rsp) > 0 {
			// Re-check: the scanner may have stopped inside the first report.
			onReport, ok = scanner.scanHandler()
			if !ok {
				return
			}
			onReport(ble.Advertisement{Address: adv.addr, Type: ble.ReportScanRsp, RSSI: -50, Data: rsp})
		}
	})
}

func (a *Air) lookup(addr string) *Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.devices {
		if d.addr == addr {
			return d
		}
	}
	return nil
}

func (a *Air) others(self *Device) []*Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Device
	for _, d := range a.devices {
		if d != self {
			out = append(out, d)
		}
	}
	return out
}

// NewDevice attaches a device with the given address to the medium.
func (a *Air) NewDevice(addr string) *Device {
	d := &Device{
		air:        a,
		addr:       addr,
		nextHandle: ble.FirstHandle,
		values:     make(map[uuid.UUID][]byte),
	}
	d.addGAP()
	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return d
}

// linkError is the Connected error for a link that was never established.
type linkError struct {
	addr   string
	reason uint8
}

func (e *linkError) Error() string {
	return fmt.Sprintf("sim: connection to %s failed (0x%02x)", e.addr, e.reason)
}
