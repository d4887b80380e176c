package sim

import (
	"errors"
	"sync"

	"github.com/chaz8081/blelbs/internal/ble"
)

// Conn is one end of a simulated link.
type Conn struct {
	air   *Air
	local *Device
	addr  string // peer address

	mu        sync.Mutex
	peer      *Conn
	connected bool
}

var _ ble.Conn = (*Conn)(nil)

func (c *Conn) link(peer *Conn) {
	c.mu.Lock()
	c.peer = peer
	c.connected = true
	c.mu.Unlock()

	peer.mu.Lock()
	peer.peer = c
	peer.connected = true
	peer.mu.Unlock()
}

func (c *Conn) Address() string {
	return c.addr
}

// Connected reports whether the link is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// remote returns the peer's device while the link is up.
func (c *Conn) remote() (*Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.peer == nil {
		return nil, false
	}
	return c.peer, true
}

// Discover walks the peer's attribute table. Each match is delivered as a
// separate event, followed by the nil completion event.
func (c *Conn) Discover(params *ble.DiscoverParams) error {
	peer, ok := c.remote()
	if !ok {
		return ble.ErrNotConnected
	}
	matches := peer.local.discover(params)

	stopped := false
	for i := range matches {
		a := matches[i]
		c.air.post(func() {
			if stopped || !c.Connected() {
				stopped = true
				return
			}
			if params.Func(c, &a, params) == ble.IterStop {
				stopped = true
			}
		})
	}
	c.air.post(func() {
		if stopped || !c.Connected() {
			return
		}
		params.Func(c, nil, params)
	})
	return nil
}

// discover collects matching attributes from the local table.
func (d *Device) discover(params *ble.DiscoverParams) []ble.Attribute {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []ble.Attribute
	for _, a := range d.table {
		if a.handle < params.StartHandle || a.handle > params.EndHandle {
			continue
		}
		if params.UUID != nil && *params.UUID != a.uuid {
			continue
		}
		switch {
		case params.Type == ble.DiscoverPrimary && a.kind == kindService:
			out = append(out, ble.Attribute{Handle: a.handle, UUID: a.uuid, EndHandle: a.endHandle})
		case params.Type == ble.DiscoverCharacteristic && a.kind == kindCharDecl:
			out = append(out, ble.Attribute{
				Handle:      a.handle,
				UUID:        a.uuid,
				ValueHandle: a.valueHandle,
				Properties:  a.char.Properties,
			})
		}
	}
	return out
}

// valueAttr finds the characteristic value row for handle.
func (d *Device) valueAttr(handle uint16) *attr {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.table {
		if a.handle == handle && a.kind == kindCharValue {
			return a
		}
	}
	return nil
}

// Write performs a write-with-response against the peer's table.
func (c *Conn) Write(handle uint16, data []byte, done func(err error)) error {
	peer, ok := c.remote()
	if !ok {
		return ble.ErrNotConnected
	}
	payload := append([]byte(nil), data...)

	c.air.post(func() {
		if !c.Connected() {
			// Link dropped before the response; no completion.
			return
		}
		err := peer.serveWrite(handle, payload)
		if done != nil {
			done(err)
		}
	})
	return nil
}

// serveWrite runs the local characteristic's write handler.
func (c *Conn) serveWrite(handle uint16, data []byte) error {
	a := c.local.valueAttr(handle)
	if a == nil {
		return ble.NewATTError(ble.ATTInvalidHandle, handle)
	}
	if a.char.Properties&(ble.PropWrite|ble.PropWriteNoResponse) == 0 || a.char.Write == nil {
		return ble.NewATTError(ble.ATTWriteNotPermitted, handle)
	}
	if err := a.char.Write(c, data, 0); err != nil {
		var attErr *ble.ATTError
		if errors.As(err, &attErr) && attErr.Handle == 0 {
			attErr.Handle = handle
		}
		return err
	}
	return nil
}

// Read performs a read against the peer's table. It is not part of
// ble.Conn; the controllers never read, but tests observe the peripheral
// through it.
func (c *Conn) Read(handle uint16, done func(value []byte, err error)) error {
	peer, ok := c.remote()
	if !ok {
		return ble.ErrNotConnected
	}
	c.air.post(func() {
		if !c.Connected() {
			return
		}
		value, err := peer.serveRead(handle)
		done(value, err)
	})
	return nil
}

func (c *Conn) serveRead(handle uint16) ([]byte, error) {
	d := c.local
	a := d.valueAttr(handle)
	if a == nil {
		return nil, ble.NewATTError(ble.ATTInvalidHandle, handle)
	}
	if a.char.Properties&ble.PropRead == 0 {
		return nil, ble.NewATTError(ble.ATTReadNotPermitted, handle)
	}
	if a.char.Read != nil {
		return a.char.Read(c, 0)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.values[a.uuid]...), nil
}

// Disconnect tears the link down. The local side sees "local host
// terminated" and the peer sees reason.
func (c *Conn) Disconnect(reason uint8) error {
	if _, ok := c.remote(); !ok {
		return ble.ErrNotConnected
	}
	c.air.post(func() {
		c.teardown(ble.ReasonLocalHostTerminated, reason)
	})
	return nil
}

// teardown closes both ends and reports the loss to each device.
func (c *Conn) teardown(localReason, peerReason uint8) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.connected = false
	c.mu.Unlock()

	peer.mu.Lock()
	peer.connected = false
	peer.mu.Unlock()

	c.local.removeLink(c)
	peer.local.removeLink(peer)

	if cb := c.local.connCallbacks(); cb.Disconnected != nil {
		cb.Disconnected(c, localReason)
	}
	if cb := peer.local.connCallbacks(); cb.Disconnected != nil {
		cb.Disconnected(peer, peerReason)
	}
}
