package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cydjerr/speakjerr/internal/bus"
)

// State is the lifecycle state of the realtime connection.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
	Reconnecting  State = "RECONNECTING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected, Reconnecting},
	Connected:     {Authenticated, Disconnected, Reconnecting},
	Authenticated: {Reconnecting, Disconnected},
	Reconnecting:  {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, rejecting transitions not in the table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.ConnectionStateChanged, StateChange{From: from, To: to})
	return nil
}

// StateChange is the payload of connection.state_changed.
type StateChange struct {
	From State
	To   State
}
