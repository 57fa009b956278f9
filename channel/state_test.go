package channel

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	path := []State{StateClosed, StateOpening, StateOpen, StateMaint, StateOpen, StateClosing, StateClosed}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateClosed, StateMaint},
		{StateListening, StateOpen},
		{StateOpen, StateListening},
		{StateError, StateClosed},
		{StateClosing, StateOpen},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestErrorIsTerminal(t *testing.T) {
	for to := StateClosed; to <= StateOpen; to++ {
		if CanTransition(StateError, to) {
			t.Fatalf("ERROR must have no outgoing transitions, found -> %s", to)
		}
	}
}

func TestRequiresClosingReason(t *testing.T) {
	for _, s := range []State{StateClosing, StateClosed, StateError} {
		if !requiresClosingReason(s) {
			t.Fatalf("%s should require a closing reason", s)
		}
	}
	for _, s := range []State{StateOpening, StateOpen, StateMaint, StateListening} {
		if requiresClosingReason(s) {
			t.Fatalf("%s should not require a closing reason", s)
		}
	}
}

func TestStateStringKnown(t *testing.T) {
	want := map[State]string{
		StateClosed:    "CLOSED",
		StateClosing:   "CLOSING",
		StateError:     "ERROR",
		StateListening: "LISTENING",
		StateMaint:     "MAINT",
		StateOpening:   "OPENING",
		StateOpen:      "OPEN",
	}
	for s, w := range want {
		if got := s.String(); got != w {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, w)
		}
	}
}
