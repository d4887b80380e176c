package gpio

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// HotkeyInput turns a global key combination into a button: key down
// asserts the input and key up releases it, each raising an edge.
type HotkeyInput struct {
	keys []string

	mu         sync.Mutex
	held       bool
	handler    func()
	configured bool

	done chan struct{}
	once sync.Once
}

var _ Input = (*HotkeyInput)(nil)

// NewHotkeyInput creates a HotkeyInput for keys, lowercase key names such
// as ["ctrl", "shift", "b"].
func NewHotkeyInput(keys []string) *HotkeyInput {
	return &HotkeyInput{
		keys: keys,
		done: make(chan struct{}),
	}
}

// Configure registers the key handlers. Start delivers them.
func (h *HotkeyInput) Configure() error {
	h.mu.Lock()
	if h.configured {
		h.mu.Unlock()
		return nil
	}
	h.configured = true
	h.mu.Unlock()

	hook.Register(hook.KeyDown, h.keys, func(hook.Event) { h.level(true) })
	hook.Register(hook.KeyUp, h.keys, func(hook.Event) { h.level(false) })
	return nil
}

// Ready reports whether a key combination is configured.
func (h *HotkeyInput) Ready() bool {
	return len(h.keys) > 0
}

func (h *HotkeyInput) OnEdge(handler func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *HotkeyInput) Asserted() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held, nil
}

// level runs on the hook goroutine.
func (h *HotkeyInput) level(held bool) {
	h.mu.Lock()
	h.held = held
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// Start processes keyboard events until Stop is called. It blocks; run it
// in a goroutine.
func (h *HotkeyInput) Start() {
	evChan := hook.Start()
	go func() {
		<-h.done
		hook.End()
	}()
	<-hook.Process(evChan)
}

// Stop ends Start. It is safe to call multiple times.
func (h *HotkeyInput) Stop() {
	h.once.Do(func() {
		close(h.done)
	})
}
