package connstate

// State is the lifecycle state of a streaming connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// validTransitions lists the reachable next states for each state.
var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed, StateErrored},
	StateConnecting: {StateConnected, StateClosing, StateClosed, StateErrored},
	StateConnected:  {StateStreaming, StateClosing, StateClosed, StateErrored},
	StateStreaming:  {StateClosing, StateClosed, StateErrored},
	StateClosing:    {StateClosed, StateErrored},
	StateClosed:     nil,
	StateErrored:    nil,
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
