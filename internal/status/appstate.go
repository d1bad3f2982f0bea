package status

import (
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
)

// AppState is the host application's foreground/background state. The host
// reports transitions; sync components react (re-assert presence, rebuild
// subscriptions) by subscribing to the "app." bus prefix.
type AppState string

const (
	Foreground AppState = "FOREGROUND"
	Background AppState = "BACKGROUND"
)

// AppWatcher tracks the host app state and publishes transitions.
type AppWatcher struct {
	mu      sync.RWMutex
	current AppState
	bus     *bus.Bus
}

// NewAppWatcher creates a watcher starting in the foreground state.
func NewAppWatcher(b *bus.Bus) *AppWatcher {
	return &AppWatcher{current: Foreground, bus: b}
}

// Current returns the current app state.
func (w *AppWatcher) Current() AppState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Set records a host-reported app state. Repeated reports of the same
// state publish nothing.
func (w *AppWatcher) Set(next AppState) {
	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev == next || w.bus == nil {
		return
	}

	kind := bus.KindAppBackground
	if next == Foreground {
		kind = bus.KindAppForeground
	}
	w.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   AppChange{From: prev, To: next},
	})
}

// AppChange is the payload for app state change events.
type AppChange struct {
	From AppState
	To   AppState
}
