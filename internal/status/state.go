package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/huddle/internal/bus"
)

// State represents the engine's runtime state.
type State string

const (
	Booting          State = "BOOTING"
	AwaitingIdentity State = "AWAITING_IDENTITY"
	Syncing          State = "SYNCING"
	Ready            State = "READY"
	Offline          State = "OFFLINE"
	Error            State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:          {AwaitingIdentity, Syncing, Error},
	AwaitingIdentity: {Syncing, Error},
	Syncing:          {Ready, Offline, AwaitingIdentity, Error},
	Ready:            {Offline, AwaitingIdentity, Syncing, Error},
	Offline:          {Syncing, AwaitingIdentity, Error},
	Error:            {Booting},
}

// Machine tracks and enforces engine state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
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
		m.bus.Emit(bus.StatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// Ensure moves to state to unless the machine is already there.
func (m *Machine) Ensure(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
