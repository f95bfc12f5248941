package session

import (
	"fmt"
	"sync"
	"time"
)

// State is a stage of one role's session.
type State int

const (
	StateRequesting State = iota
	StateAwaitingResponse
	StateVerifying
	StateProving
	StateListening
	StateExecuting
	StateResponding
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateRequesting:       "REQUESTING",
	StateAwaitingResponse: "AWAITING_RESPONSE",
	StateVerifying:        "VERIFYING",
	StateProving:          "PROVING",
	StateListening:        "LISTENING",
	StateExecuting:        "EXECUTING",
	StateResponding:       "RESPONDING",
	StateDone:             "DONE",
	StateFailed:           "FAILED",
}

// String returns the string representation of a state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal returns true if the state is a terminal state
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Role is the part an agent plays in a session.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

// Happy-path transitions per role. Failed is reachable from every
// non-terminal state and is not listed.
var validTransitions = map[State][]State{
	StateRequesting:       {StateAwaitingResponse},
	StateAwaitingResponse: {StateVerifying},
	StateVerifying:        {StateProving},
	StateProving:          {StateDone},
	StateListening:        {StateExecuting},
	StateExecuting:        {StateResponding},
	StateResponding:       {StateDone},
}

func initialState(role Role) State {
	if role == RoleProvider {
		return StateListening
	}
	return StateRequesting
}

// Transition records one state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Machine tracks the state of one role's session. It is safe for concurrent
// readers while the role advances it.
type Machine struct {
	mu      sync.RWMutex
	role    Role
	current State
	started time.Time
	history []Transition
}

// NewMachine starts a machine in the role's initial state.
func NewMachine(role Role) *Machine {
	return &Machine{
		role:    role,
		current: initialState(role),
		started: time.Now(),
	}
}

// Advance moves to the next state. Moves that skip a stage, go backwards or
// leave a terminal state are rejected.
func (m *Machine) Advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isValidTransition(m.current, to) {
		return fmt.Errorf("invalid %s transition: %s -> %s", m.role, m.current, to)
	}
	m.record(to, "")
	return nil
}

// Fail moves to StateFailed from any non-terminal state.
func (m *Machine) Fail(reason FailureReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.IsTerminal() {
		return
	}
	m.record(StateFailed, string(reason))
}

func (m *Machine) record(to State, reason string) {
	m.history = append(m.history, Transition{
		From:      m.current,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	m.current = to
}

func isValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State returns the current state (thread-safe)
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) Role() Role { return m.role }

// History returns a copy of the transitions so far.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Elapsed is the time since the machine started.
func (m *Machine) Elapsed() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.started)
}
