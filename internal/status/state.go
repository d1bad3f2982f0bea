package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
)

// Link represents the realtime link state surfaced to the host. Transport
// errors never bubble up as hard failures; they move the link to Degraded
// or Reconnecting while the components recover on their own.
type Link string

const (
	Booting      Link = "BOOTING"
	Connecting   Link = "CONNECTING"
	Live         Link = "LIVE"
	Degraded     Link = "DEGRADED"
	Reconnecting Link = "RECONNECTING"
	Closed       Link = "CLOSED"
)

// validTransitions defines allowed link state transitions.
var validTransitions = map[Link][]Link{
	Booting:      {Connecting, Closed},
	Connecting:   {Live, Reconnecting, Closed},
	Live:         {Degraded, Reconnecting, Closed},
	Degraded:     {Live, Reconnecting, Closed},
	Reconnecting: {Connecting, Live, Degraded, Closed},
	Closed:       {},
}

// Machine tracks and enforces link state transitions, publishing each
// change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current Link
	bus     *bus.Bus
}

// NewMachine creates a link state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current link state.
func (m *Machine) Current() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid link transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindLinkStatusChanged,
			Timestamp: time.Now(),
			Payload: LinkChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// LinkChange is the payload for link status change events.
type LinkChange struct {
	From Link
	To   Link
}
