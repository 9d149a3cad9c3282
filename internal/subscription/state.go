package subscription

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmarins/chatsync/internal/bus"
)

// State is the lifecycle of the per-conversation channel binding.
type State string

const (
	Unsubscribed State = "UNSUBSCRIBED"
	Subscribing  State = "SUBSCRIBING"
	Subscribed   State = "SUBSCRIBED"
)

// validTransitions defines allowed lifecycle transitions.
var validTransitions = map[State][]State{
	Unsubscribed: {Subscribing},
	Subscribing:  {Subscribed, Unsubscribed},
	Subscribed:   {Unsubscribed},
}

// Machine tracks and enforces the subscription lifecycle, publishing each
// transition on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Unsubscribed.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Unsubscribed,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSubscriptionStatus,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for subscription status events.
type StatusChange struct {
	From State
	To   State
}
