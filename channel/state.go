package channel

import "fmt"

// State is one of the seven states a Channel can be in (spec §4.2).
type State int

const (
	StateClosed State = iota
	StateClosing
	StateError
	StateListening
	StateMaint
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	case StateListening:
		return "LISTENING"
	case StateMaint:
		return "MAINT"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// isCloseable reports whether no further transitions are possible from s
// except via free (CLOSED) or none at all (ERROR).
func (s State) isCloseable() bool {
	return s == StateClosed || s == StateError
}

// validTargets enumerates the legal transitions of spec §4.2.
var validTargets = map[State]map[State]bool{
	StateClosed:    {StateListening: true, StateOpening: true},
	StateOpening:   {StateOpen: true, StateClosing: true, StateError: true},
	StateOpen:      {StateMaint: true, StateClosing: true, StateError: true},
	StateMaint:     {StateOpen: true, StateClosing: true, StateError: true},
	StateListening: {StateClosing: true, StateError: true},
	StateClosing:   {StateClosed: true, StateError: true},
	StateError:     {},
}

// CanTransition reports whether from -> to is a legal transition per the
// table in spec §4.2.
func CanTransition(from, to State) bool {
	targets, ok := validTargets[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ReasonForClosing is one of the four reasons a channel is moving into
// CLOSING/CLOSED/ERROR (spec §3).
type ReasonForClosing int

const (
	ReasonNotClosing ReasonForClosing = iota
	ReasonRequested
	ReasonFromBelow
	ReasonForError
)

func (r ReasonForClosing) String() string {
	switch r {
	case ReasonNotClosing:
		return "NOT_CLOSING"
	case ReasonRequested:
		return "REQUESTED"
	case ReasonFromBelow:
		return "FROM_BELOW"
	case ReasonForError:
		return "FOR_ERROR"
	default:
		return fmt.Sprintf("ReasonForClosing(%d)", int(r))
	}
}

// requiresClosingReason reports whether entry to this state requires
// reason_for_closing to already be non-NOT_CLOSING (spec §4.2).
func requiresClosingReason(s State) bool {
	return s == StateClosing || s == StateClosed || s == StateError
}
