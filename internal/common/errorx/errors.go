package errorx

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve to a live session
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when an operation targets a session that has been closed
	ErrSessionClosed = errors.New("session closed")
	// ErrCapacityExceeded is returned when the store refuses a new session under critical memory pressure
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSubscriberOverwhelmed is returned when the disconnect backpressure policy fails a subscription
	ErrSubscriberOverwhelmed = errors.New("subscriber overwhelmed")
	// ErrReconnectExhausted is returned when the reconnect backoff attempt budget is spent
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrConnectionNotFound is returned when a connection id is not tracked
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrStateTransitionInvalid is returned when a connection state transition is not reachable
	ErrStateTransitionInvalid = errors.New("invalid state transition")
	// ErrWaitTimeout is returned when a state wait does not reach its target in time
	ErrWaitTimeout = errors.New("wait for state timed out")
)

// StateTransitionError reports a rejected connection state transition.
type StateTransitionError struct {
	ConnectionID string
	From         string
	To           string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for connection %s: %s -> %s", e.ConnectionID, e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrStateTransitionInvalid) to match.
func (e *StateTransitionError) Unwrap() error {
	return ErrStateTransitionInvalid
}
