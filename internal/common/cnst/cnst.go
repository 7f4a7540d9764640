package cnst

// Stream event type tags delivered on the wire.
const (
	EventConnectionReady = "connection-ready"
	EventProgress        = "progress"
	EventData            = "data"
	EventHeartbeat       = "heartbeat"
	EventError           = "error"
	EventStreamEnd       = "stream-end"
)

// Session status values.
const (
	SessionActive   = "active"
	SessionExpiring = "expiring"
	SessionClosed   = "closed"
)

// Backpressure policy names accepted by configuration.
const (
	PolicyDropOldest = "drop-oldest"
	PolicyDisconnect = "disconnect"
)

const (
	// AppName is used for config fallback paths and the metrics namespace default
	AppName = "relaycast"
)
