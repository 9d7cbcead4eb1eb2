package session

import "fmt"

// State is the lifecycle state of the session transport.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// event drives a state transition.
type event int

const (
	eventDial event = iota
	eventOpened
	eventCloseRequested
	eventClosed
)

func (e event) String() string {
	switch e {
	case eventDial:
		return "dial"
	case eventOpened:
		return "opened"
	case eventCloseRequested:
		return "close-requested"
	case eventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var transitions = map[State]map[event]State{
	StateClosed: {
		eventDial: StateConnecting,
	},
	StateConnecting: {
		eventOpened: StateOpen,
		eventClosed: StateClosed,
	},
	StateOpen: {
		eventCloseRequested: StateClosing,
		eventClosed:         StateClosed,
	},
	StateClosing: {
		eventClosed: StateClosed,
	},
}

// next returns the state reached from s on ev, or false when the transition is not allowed.
func next(s State, ev event) (State, bool) {
	to, ok := transitions[s][ev]
	return to, ok
}
