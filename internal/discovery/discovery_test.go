package discovery

import (
	"errors"
	"testing"

	"github.com/chaz8081/blelbs/internal/ble"
	"github.com/chaz8081/blelbs/internal/ble/sim"
	"github.com/chaz8081/blelbs/internal/workq"
)

// mockConn records discovery requests; tests drive their callbacks by hand.
type mockConn struct {
	discovers     []*ble.DiscoverParams
	discoverErr   error
	disconnects   []uint8
	disconnectErr error
}

func (c *mockConn) Address() string { return "mock" }

func (c *mockConn) Discover(params *ble.DiscoverParams) error {
	if c.discoverErr != nil {
		return c.discoverErr
	}
	c.discovers = append(c.discovers, params)
	return nil
}

func (c *mockConn) Write(uint16, []byte, func(error)) error { return nil }

func (c *mockConn) Disconnect(reason uint8) error {
	c.disconnects = append(c.disconnects, reason)
	return c.disconnectErr
}

// deliver feeds attributes and the terminal nil to the last request.
func (c *mockConn) deliver(attrs ...*ble.Attribute) {
	p := c.discovers[len(c.discovers)-1]
	for _, a := range attrs {
		p.Func(c, a, p)
	}
	p.Func(c, nil, p)
}

type recorder struct {
	phases []Phase
	ready  []Result
	failed []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Phase:  func(p Phase) { r.phases = append(r.phases, p) },
		Ready:  func(_ ble.Conn, res Result) { r.ready = append(r.ready, res) },
		Failed: func(err error) { r.failed = append(r.failed, err) },
	}
}

func newTestSequencer() (*Sequencer, *workq.Queue, *recorder) {
	q := workq.New(nil)
	rec := &recorder{}
	return New(q, ble.ServiceUUID, ble.ActionCharUUID, rec.callbacks(), nil), q, rec
}

var (
	svcAttr    = &ble.Attribute{Handle: 0x0010, UUID: ble.ServiceUUID, EndHandle: 0x0015}
	actionAttr = &ble.Attribute{Handle: 0x0011, UUID: ble.ActionCharUUID, ValueHandle: 0x0012, Properties: ble.PropWrite}
	readAttr   = &ble.Attribute{Handle: 0x0013, UUID: ble.ReadCharUUID, ValueHandle: 0x0014, Properties: ble.PropRead}
)

func TestPhaseTwoWaitsForPhaseOneCompletion(t *testing.T) {
	s, q, _ := newTestSequencer()
	conn := &mockConn{}
	s.Start(conn)

	if len(conn.discovers) != 1 {
		t.Fatalf("discovers = %d, want 1", len(conn.discovers))
	}
	p1 := conn.discovers[0]
	if p1.Type != ble.DiscoverPrimary || p1.StartHandle != 0x0001 || p1.EndHandle != 0xffff {
		t.Errorf("phase 1 params = %+v", p1)
	}
	if p1.UUID == nil || *p1.UUID != ble.ServiceUUID {
		t.Error("phase 1 should filter on the service UUID")
	}

	// Attribute callbacks alone must not start phase 2.
	p1.Func(conn, svcAttr, p1)
	q.RunPending()
	if len(conn.discovers) != 1 {
		t.Fatalf("phase 2 started before phase 1 completed")
	}

	p1.Func(conn, nil, p1)
	// Completion is posted to the queue, not handled inline.
	if len(conn.discovers) != 1 {
		t.Fatal("phase 2 started from the radio callback")
	}
	q.RunPending()
	if len(conn.discovers) != 2 {
		t.Fatalf("discovers = %d, want 2", len(conn.discovers))
	}
	p2 := conn.discovers[1]
	if p2.Type != ble.DiscoverCharacteristic || p2.StartHandle != 0x0011 || p2.EndHandle != 0x0015 || p2.UUID != nil {
		t.Errorf("phase 2 params = %+v", p2)
	}
	if s.Phase() != PhaseCharacteristic {
		t.Errorf("Phase() = %v, want characteristic", s.Phase())
	}
}

func TestPhaseTwoStartsExactlyOnce(t *testing.T) {
	s, q, _ := newTestSequencer()
	conn := &mockConn{}
	s.Start(conn)

	p1 := conn.discovers[0]
	p1.Func(conn, svcAttr, p1)
	// A transport that reports completion twice.
	p1.Func(conn, nil, p1)
	p1.Func(conn, nil, p1)
	q.RunPending()

	if len(conn.discovers) != 2 {
		t.Errorf("discovers = %d, want 2", len(conn.discovers))
	}
}

func TestDiscoveryReady(t *testing.T) {
	s, q, rec := newTestSequencer()
	conn := &mockConn{}
	s.Start(conn)

	conn.deliver(svcAttr)
	q.RunPending()
	conn.deliver(actionAttr, readAttr)
	q.RunPending()

	if len(rec.ready) != 1 {
		t.Fatalf("ready = %d, want 1", len(rec.ready))
	}
	res := rec.ready[0]
	want := Result{ServiceFound: true, ServiceStart: 0x0010, ServiceEnd: 0x0015, ActionFound: true, ActionHandle: 0x0012}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if len(conn.disconnects) != 0 {
		t.Errorf("unexpected disconnect %v", conn.disconnects)
	}
	wantPhases := []Phase{PhaseService, PhaseCharacteristic, PhaseDone}
	if len(rec.phases) != len(wantPhases) {
		t.Fatalf("phases = %v, want %v", rec.phases, wantPhases)
	}
	for i := range wantPhases {
		if rec.phases[i] != wantPhases[i] {
			t.Errorf("phases = %v, want %v", rec.phases, wantPhases)
			break
		}
	}
}

func TestMissingAttributesForceDisconnect(t *testing.T) {
	tests := []struct {
		name    string
		phase1  []*ble.Attribute
		phase2  []*ble.Attribute
		wantErr error
	}{
		{"no service", nil, nil, ErrServiceNotFound},
		{"no action characteristic", []*ble.Attribute{svcAttr}, []*ble.Attribute{readAttr}, ErrCharacteristicNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, q, rec := newTestSequencer()
			conn := &mockConn{}
			s.Start(conn)

			conn.deliver(tt.phase1...)
			q.RunPending()
			if tt.wantErr == ErrCharacteristicNotFound {
				conn.deliver(tt.phase2...)
				q.RunPending()
			}

			if len(conn.disconnects) != 1 || conn.disconnects[0] != ble.ReasonRemoteUserTerminated {
				t.Errorf("disconnects = %v, want [0x13]", conn.disconnects)
			}
			if len(rec.failed) != 1 || !errors.Is(rec.failed[0], tt.wantErr) {
				t.Errorf("failed = %v, want %v", rec.failed, tt.wantErr)
			}
			if s.Conn() != nil {
				t.Error("connection reference not released")
			}
			if s.Result() != (Result{}) {
				t.Errorf("result not cleared: %+v", s.Result())
			}
			if len(rec.ready) != 0 {
				t.Error("Ready called on failure")
			}
		})
	}
}

func TestDiscoverStartFailure(t *testing.T) {
	s, _, rec := newTestSequencer()
	conn := &mockConn{discoverErr: ble.ErrBusy}
	s.Start(conn)

	if len(rec.failed) != 1 || !errors.Is(rec.failed[0], ble.ErrBusy) {
		t.Fatalf("failed = %v, want ErrBusy", rec.failed)
	}
	if len(conn.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", conn.disconnects)
	}
}

func TestTeardownFailureReported(t *testing.T) {
	s, q, rec := newTestSequencer()
	conn := &mockConn{disconnectErr: ble.ErrBusy}
	s.Start(conn)
	conn.deliver()
	q.RunPending()

	if len(rec.failed) != 1 {
		t.Fatalf("failed = %v", rec.failed)
	}
	err := rec.failed[0]
	if !errors.Is(err, ErrServiceNotFound) || !errors.Is(err, ErrTeardownFailed) || !errors.Is(err, ble.ErrBusy) {
		t.Errorf("error = %v, want service-not-found + teardown failure", err)
	}
}

func TestTeardownOfClosedLinkIsNotAFailure(t *testing.T) {
	s, q, rec := newTestSequencer()
	conn := &mockConn{disconnectErr: ble.ErrNotConnected}
	s.Start(conn)
	conn.deliver()
	q.RunPending()

	if len(rec.failed) != 1 || errors.Is(rec.failed[0], ErrTeardownFailed) {
		t.Errorf("failed = %v, want plain service-not-found", rec.failed)
	}
}

func TestResetDropsInFlightCallbacks(t *testing.T) {
	s, q, rec := newTestSequencer()
	conn := &mockConn{}
	s.Start(conn)

	p1 := conn.discovers[0]
	p1.Func(conn, svcAttr, p1)
	s.Reset()
	p1.Func(conn, nil, p1)
	q.RunPending()

	if len(conn.discovers) != 1 {
		t.Errorf("phase 2 started after Reset")
	}
	if len(rec.failed) != 0 || len(conn.disconnects) != 0 {
		t.Errorf("stale completion acted: failed=%v disconnects=%v", rec.failed, conn.disconnects)
	}
	if s.Phase() != PhaseIdle {
		t.Errorf("Phase() = %v, want idle", s.Phase())
	}
}

func TestDiscoveryAgainstSimulatedPeer(t *testing.T) {
	air := sim.NewAir()
	p := air.NewDevice("peripheral")
	p.Enable()
	p.AddService(&ble.Service{
		UUID: ble.ServiceUUID,
		Characteristics: []ble.Characteristic{
			{UUID: ble.ActionCharUUID, Properties: ble.PropWrite, Write: func(ble.Conn, []byte, int) error { return nil }},
			{UUID: ble.ReadCharUUID, Properties: ble.PropRead},
		},
	})
	p.StartAdvertising(nil, []ble.ADStructure{ble.UUID128Structure(ble.ServiceUUID)})

	c := air.NewDevice("central")
	c.Enable()
	var conn ble.Conn
	c.SetConnCallbacks(ble.ConnCallbacks{Connected: func(cn ble.Conn, err error) { conn = cn }})
	c.Connect(p.Address())
	air.Drain()
	if conn == nil {
		t.Fatal("not connected")
	}

	s, q, rec := newTestSequencer()
	s.Start(conn)
	for air.Drain()+q.RunPending() > 0 {
	}

	if len(rec.ready) != 1 {
		t.Fatalf("ready = %d, failed = %v", len(rec.ready), rec.failed)
	}
	// GAP takes 0x0001..0x0003; service 0x0004, action value 0x0006.
	if rec.ready[0].ActionHandle != 0x0006 {
		t.Errorf("ActionHandle = 0x%04x, want 0x0006", rec.ready[0].ActionHandle)
	}
}
