package status

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blelbs/internal/workq"
)

// mockOutput records every level written.
type mockOutput struct {
	mu     sync.Mutex
	ready  bool
	levels []bool
	err    error
}

func (o *mockOutput) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.levels = append(o.levels, on)
	return nil
}

func (o *mockOutput) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

func (o *mockOutput) written() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.levels...)
}

func newTestSignal(ready bool) (*Signal, *mockOutput, *workq.ManualClock) {
	out := &mockOutput{ready: ready}
	clock := workq.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(out, clock, 0), out, clock
}

func equalLevels(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSolidModesDriveOnce(t *testing.T) {
	s, out, clock := newTestSignal(true)

	s.SetMode(SolidOn)
	s.SetMode(SolidOff)
	clock.Advance(time.Second)

	want := []bool{true, false}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if clock.Armed() != 0 {
		t.Errorf("armed timers = %d, want 0 in a solid mode", clock.Armed())
	}
}

func TestBlinkTogglesEvery250ms(t *testing.T) {
	s, out, clock := newTestSignal(true)

	s.SetMode(Blink2Hz)
	if got := out.written(); !equalLevels(got, []bool{true}) {
		t.Fatalf("blink entry levels = %v, want [true]", got)
	}

	clock.Advance(249 * time.Millisecond)
	if len(out.written()) != 1 {
		t.Fatal("toggled before the period elapsed")
	}

	clock.Advance(time.Millisecond)
	clock.Advance(250 * time.Millisecond)
	clock.Advance(250 * time.Millisecond)

	want := []bool{true, false, true, false}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
}

func TestModeChangeStopsBlink(t *testing.T) {
	s, out, clock := newTestSignal(true)

	s.SetMode(Blink2Hz)
	clock.Advance(250 * time.Millisecond) // off
	s.SetMode(SolidOff)
	clock.Advance(2 * time.Second)

	want := []bool{true, false, false}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if s.Mode() != SolidOff {
		t.Errorf("Mode() = %v, want %v", s.Mode(), SolidOff)
	}
}

func TestStaleTickIgnored(t *testing.T) {
	s, out, _ := newTestSignal(true)

	s.SetMode(Blink2Hz)
	s.mu.Lock()
	staleGen := s.gen
	s.mu.Unlock()

	s.SetMode(SolidOn)
	s.tick(staleGen) // a callback that raced the mode change

	want := []bool{true, true}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
}

func TestLateBlinkWriteDropped(t *testing.T) {
	s, out, _ := newTestSignal(true)

	s.SetMode(Blink2Hz)
	s.mu.Lock()
	tickGen := s.gen // a tick has picked its level under this generation
	s.mu.Unlock()

	s.SetMode(SolidOff)
	s.drive(tickGen, true) // and only now reaches the output

	want := []bool{true, false}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if s.Lit() {
		t.Error("Lit() = true after SolidOff")
	}
}

// gatedOutput holds the first dark write until release is closed.
type gatedOutput struct {
	mockOutput
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (o *gatedOutput) Set(on bool) error {
	if !on {
		o.once.Do(func() {
			close(o.entered)
			<-o.release
		})
	}
	return o.mockOutput.Set(on)
}

func TestModeChangeWaitsForInFlightBlinkWrite(t *testing.T) {
	out := &gatedOutput{
		mockOutput: mockOutput{ready: true},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	clock := workq.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(out, clock, 0)
	s.SetMode(Blink2Hz)

	ticked := make(chan struct{})
	go func() {
		clock.Advance(DefaultBlinkPeriod)
		close(ticked)
	}()
	<-out.entered // the tick is writing dark

	changed := make(chan struct{})
	go func() {
		s.SetMode(SolidOn)
		close(changed)
	}()
	for s.Mode() != SolidOn {
		runtime.Gosched()
	}
	close(out.release)
	<-ticked
	<-changed

	want := []bool{true, false, true}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if !s.Lit() {
		t.Error("Lit() = false after SolidOn")
	}
}

func TestReenteringBlinkResetsPhase(t *testing.T) {
	s, out, clock := newTestSignal(true)

	s.SetMode(Blink2Hz)
	clock.Advance(250 * time.Millisecond) // phase 1, dark
	s.SetMode(Blink2Hz)                   // phase 0, lit
	clock.Advance(250 * time.Millisecond) // phase 1, dark

	want := []bool{true, false, true, false}
	if got := out.written(); !equalLevels(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if clock.Armed() != 1 {
		t.Errorf("armed timers = %d, want 1", clock.Armed())
	}
}

func TestNotReadyOutputSkipsWrites(t *testing.T) {
	s, out, clock := newTestSignal(false)

	s.SetMode(Blink2Hz)
	clock.Advance(time.Second)
	s.SetMode(SolidOn)

	if got := out.written(); len(got) != 0 {
		t.Errorf("levels = %v, want none for a device that is not ready", got)
	}
	if s.Mode() != SolidOn {
		t.Errorf("Mode() = %v, want %v", s.Mode(), SolidOn)
	}
}

func TestNilOutput(t *testing.T) {
	s := New(nil, workq.NewManualClock(time.Time{}), 0)
	s.SetMode(Blink2Hz)
	if s.Lit() {
		t.Error("Lit() = true with no output")
	}
}

func TestOutputErrorIsNotFatal(t *testing.T) {
	s, out, _ := newTestSignal(true)
	out.err = errors.New("gpio busy")

	s.SetMode(SolidOn)
	if s.Lit() {
		t.Error("Lit() = true after a failed write")
	}
	if s.Mode() != SolidOn {
		t.Errorf("Mode() = %v, want %v", s.Mode(), SolidOn)
	}
}
