package sshterminal

import (
	"sync"
	"testing"
)

func TestSessionState_IsValid(t *testing.T) {
	for _, s := range []SessionState{StateConnecting, StateAuthenticating, StateActive, StateClosing, StateClosed} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SessionState("detached").IsValid() {
		t.Error("unknown state reported valid")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{StateConnecting, StateAuthenticating, true},
		{StateConnecting, StateClosed, true},
		{StateConnecting, StateActive, false},
		{StateAuthenticating, StateActive, true},
		{StateAuthenticating, StateClosed, true},
		{StateActive, StateClosing, true},
		{StateActive, StateClosed, false},
		{StateClosing, StateClosed, true},
		{StateClosed, StateConnecting, false},
		{StateClosed, StateActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateTracker_RecordsAndNotifies(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []StateTransition
	)
	tr := newStateTracker("s1", func(id string, from, to SessionState) {
		if id != "s1" {
			t.Errorf("callback id = %q", id)
		}
		mu.Lock()
		seen = append(seen, StateTransition{From: from, To: to})
		mu.Unlock()
	})

	if tr.get() != StateConnecting {
		t.Fatalf("initial state = %s, want connecting", tr.get())
	}
	for _, s := range []SessionState{StateAuthenticating, StateActive, StateClosing, StateClosed} {
		if !tr.set(s) {
			t.Fatalf("set(%s) refused", s)
		}
	}

	history := tr.history()
	if len(history) != 4 || len(seen) != 4 {
		t.Fatalf("history %d, callbacks %d, want 4 each", len(history), len(seen))
	}
	if history[0].From != StateConnecting || history[3].To != StateClosed {
		t.Errorf("history = %+v", history)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Error("timestamps out of order")
		}
	}
}

func TestStateTracker_ClosedIsTerminal(t *testing.T) {
	tr := newStateTracker("s1")
	tr.set(StateClosed)

	if tr.set(StateAuthenticating) {
		t.Error("left the closed state")
	}
	if tr.set(StateClosed) {
		t.Error("same-state set reported a change")
	}
	if tr.get() != StateClosed || len(tr.history()) != 1 {
		t.Errorf("state %s, history %d", tr.get(), len(tr.history()))
	}
}

func TestStateTracker_LateCallback(t *testing.T) {
	tr := newStateTracker("s1")
	tr.set(StateAuthenticating)

	var got []SessionState
	tr.onStateChange(func(_ string, _, to SessionState) { got = append(got, to) })
	tr.set(StateActive)

	if len(got) != 1 || got[0] != StateActive {
		t.Errorf("late callback saw %v, want [active]", got)
	}
}

func TestStateTracker_HistoryIsCopy(t *testing.T) {
	tr := newStateTracker("s1")
	tr.set(StateClosed)

	h := tr.history()
	h[0].To = StateActive
	if tr.history()[0].To != StateClosed {
		t.Error("history returned a reference")
	}
}
