package resolver

import "fmt"

// State is the lifecycle of one resolution.
type State int

const (
	StateIdle      State = iota // Request accepted, nothing fetched yet
	StatePolling                // Fetch/evaluate/backoff cycles running
	StateResolved               // Policy satisfied
	StateTimedOut               // Deadline passed without the policy holding
	StateCancelled              // Caller abandoned the wait
	StateFailed                 // Transport failure or invalid request
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the state is a final state
func (s State) IsTerminal() bool {
	switch s {
	case StateResolved, StateTimedOut, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

type event int

const (
	evStart     event = iota // begin polling
	evSatisfied              // a completed cycle satisfied the policy
	evDeadline               // deadline reached
	evCancel                 // parent context done
	evFail                   // transport error or invalid request
)

func (e event) String() string {
	switch e {
	case evStart:
		return "start"
	case evSatisfied:
		return "satisfied"
	case evDeadline:
		return "deadline"
	case evCancel:
		return "cancel"
	case evFail:
		return "fail"
	default:
		return "unknown"
	}
}

// transition is the resolution state machine. Terminal states accept no
// events.
func transition(s State, ev event) (State, error) {
	switch s {
	case StateIdle:
		switch ev {
		case evStart:
			return StatePolling, nil
		case evCancel:
			return StateCancelled, nil
		case evFail:
			return StateFailed, nil
		}
	case StatePolling:
		switch ev {
		case evSatisfied:
			return StateResolved, nil
		case evDeadline:
			return StateTimedOut, nil
		case evCancel:
			return StateCancelled, nil
		case evFail:
			return StateFailed, nil
		}
	}
	return s, fmt.Errorf("invalid transition from %s on %s", s, ev)
}
