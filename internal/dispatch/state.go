package dispatch

// State is a step of the dispatch state machine:
//
//	VALIDATING -> CACHE_CHECK -> RATE_LIMIT -> EXECUTING <-> RETRY_WAIT -> CACHING -> DONE
//
// ERROR is reachable from every state. A cache hit goes straight from
// CACHE_CHECK to DONE.
type State int

const (
	StateValidating State = iota
	StateCacheCheck
	StateRateLimit
	StateExecuting
	StateRetryWait
	StateCaching
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StateCacheCheck:
		return "CACHE_CHECK"
	case StateRateLimit:
		return "RATE_LIMIT"
	case StateExecuting:
		return "EXECUTING"
	case StateRetryWait:
		return "RETRY_WAIT"
	case StateCaching:
		return "CACHING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
