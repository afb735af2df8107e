package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marketsync/marketsync/internal/bus"
)

// State represents an account lifecycle state.
type State string

const (
	Pending State = "pending"
	Active  State = "active"
	Error   State = "error"
	// Terminal is an error state automatic recovery no longer retries.
	// It persists as login_status=error with the detail payload cleared.
	Terminal State = "terminal-error"
)

// validTransitions defines allowed state transitions. Terminal has no
// outgoing edges: only manual intervention revives such an account.
var validTransitions = map[State][]State{
	Pending:  {Active},
	Active:   {Error},
	Error:    {Active, Terminal},
	Terminal: {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Machine tracks and enforces lifecycle transitions for one account.
type Machine struct {
	mu        sync.RWMutex
	accountID int64
	current   State
	bus       *bus.Bus
}

// NewMachine creates a state machine for an account starting in the given state.
func NewMachine(accountID int64, initial State, b *bus.Bus) *Machine {
	if initial == "" {
		initial = Pending
	}
	return &Machine{
		accountID: accountID,
		current:   initial,
		bus:       b,
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

	if !CanTransition(m.current, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindAccountStatus,
			Timestamp: time.Now(),
			Payload: bus.StatusChange{
				AccountID: m.accountID,
				From:      string(from),
				To:        string(to),
			},
		})
	}
	return nil
}
