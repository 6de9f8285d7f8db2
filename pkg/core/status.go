package core

// ErrorKind is the failure taxonomy shared by resolutions and actions.
// Callers branch on it instead of inspecting transport errors.
type ErrorKind int

const (
	KindNone                 ErrorKind = iota // No error
	KindNotFound                              // Zero matches when the deadline passed
	KindAmbiguous                             // More than one match under exactly-one
	KindTimedOut                              // Policy condition never satisfied
	KindCancelled                             // Caller abandoned the wait
	KindTransportUnavailable                  // Agent unreachable; retry above the resolver
	KindUnsupportedAction                     // Action name outside the vocabulary
	KindInvalidArguments                      // Wrong argument arity or type
	KindRemoteActionFailed                    // Executor ran but reported failure
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindAmbiguous:
		return "ambiguous"
	case KindTimedOut:
		return "timed_out"
	case KindCancelled:
		return "cancelled"
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindUnsupportedAction:
		return "unsupported_action"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindRemoteActionFailed:
		return "remote_action_failed"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of String. Unknown codes give KindNone.
func ParseErrorKind(code string) ErrorKind {
	for k := KindNotFound; k <= KindRemoteActionFailed; k++ {
		if k.String() == code {
			return k
		}
	}
	return KindNone
}

// Category groups the kind for reporting.
func (k ErrorKind) Category() ErrorCategory {
	switch k {
	case KindNotFound, KindAmbiguous:
		return ErrCategoryAssertion
	case KindTimedOut, KindCancelled:
		return ErrCategoryTimeout
	case KindTransportUnavailable:
		return ErrCategoryConnection
	case KindRemoteActionFailed:
		return ErrCategoryAction
	case KindUnsupportedAction, KindInvalidArguments:
		return ErrCategoryUsage
	default:
		return ErrCategoryNone
	}
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryAssertion                       // Element missing or ambiguous
	ErrCategoryTimeout                         // Wait ended without the condition holding
	ErrCategoryConnection                      // Agent connection lost
	ErrCategoryAction                          // Agent could not perform the action
	ErrCategoryUsage                           // Caller passed an invalid action or arguments
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryAction:
		return "action"
	case ErrCategoryUsage:
		return "usage"
	default:
		return "unknown"
	}
}
