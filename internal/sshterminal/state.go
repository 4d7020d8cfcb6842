package sshterminal

import (
	"log"
	"sync"
	"time"
)

// SessionState is the lifecycle state of a bridged session.
type SessionState string

const (
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateActive         SessionState = "active"
	StateClosing        SessionState = "closing"
	StateClosed         SessionState = "closed"
)

// String returns the string representation of a SessionState.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s SessionState) IsValid() bool {
	switch s {
	case StateConnecting, StateAuthenticating, StateActive, StateClosing, StateClosed:
		return true
	default:
		return false
	}
}

// validTransitions lists the states each state may move to. Closed has no
// way out.
var validTransitions = map[SessionState][]SessionState{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateActive, StateClosed},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to SessionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
}

// StateCallback is called when a session's state changes. It receives the
// session ID, old state and new state.
type StateCallback func(sessionID string, from, to SessionState)

// maxTransitions limits the number of stored state transitions per session.
const maxTransitions = 50

// stateTracker holds one session's state, its transition history and the
// callbacks to notify.
type stateTracker struct {
	id string

	mu          sync.RWMutex
	state       SessionState
	transitions []StateTransition
	callbacks   []StateCallback
}

func newStateTracker(id string, callbacks ...StateCallback) *stateTracker {
	return &stateTracker{
		id:        id,
		state:     StateConnecting,
		callbacks: append([]StateCallback(nil), callbacks...),
	}
}

func (t *stateTracker) get() SessionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// set moves to newState if the transition is allowed, records it and fires
// the callbacks. It reports whether the state changed.
func (t *stateTracker) set(newState SessionState) bool {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState {
		t.mu.Unlock()
		return false
	}
	if !CanTransition(oldState, newState) {
		t.mu.Unlock()
		log.Printf("[bridge] session %s: ignoring invalid transition %s -> %s", t.id, oldState, newState)
		return false
	}
	t.state = newState

	t.transitions = append(t.transitions, StateTransition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}

	// Copy callbacks under lock to fire outside lock
	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(t.id, oldState, newState)
	}
	return true
}

func (t *stateTracker) history() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]StateTransition, len(t.transitions))
	copy(result, t.transitions)
	return result
}

func (t *stateTracker) onStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
