package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wsync/internal/bus"
)

// State is the runtime state of one account session.
type State string

const (
	Opening      State = "OPENING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Offline      State = "OFFLINE"
	AuthRequired State = "AUTH_REQUIRED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. A session whose
// credentials were rejected is only ever closed; logging in again opens a
// new one.
var validTransitions = map[State][]State{
	Opening:      {Syncing, AuthRequired, Closed},
	Syncing:      {Ready, Offline, AuthRequired, Closed},
	Ready:        {Syncing, Offline, AuthRequired, Closed},
	Offline:      {Syncing, Ready, AuthRequired, Closed},
	AuthRequired: {Closed},
	Closed:       {},
}

// Machine tracks and enforces the runtime state of an account session.
type Machine struct {
	mu      sync.RWMutex
	current State
	account string
	bus     *bus.Bus
}

// NewMachine creates a machine in the Opening state.
func NewMachine(b *bus.Bus, account string) *Machine {
	return &Machine{
		current: Opening,
		account: account,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Moving to the current state
// is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Account:   m.account,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
