package session

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one unit of a session's retained stream. Sequence numbers are
// assigned per session starting at zero, strictly increasing, and never
// reused; once assigned an event is immutable.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// eventOverheadBytes approximates the bookkeeping cost of one retained event
// on top of its payload, for memory accounting.
const eventOverheadBytes = 48

// Size returns the approximate retained size of the event in bytes.
func (e *Event) Size() int64 {
	return int64(len(e.Payload)) + int64(len(e.Type)) + eventOverheadBytes
}

// Info is a point-in-time snapshot of a session's metadata.
type Info struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status"`
	Subscribers  int       `json:"subscribers"`
	Bytes        int64     `json:"bytes"`
}

// Window describes the retained sequence range of a session. Next is the
// sequence the next append will receive; when Count is zero nothing is
// retained and Lowest equals Next.
type Window struct {
	Lowest uint64 `json:"lowest"`
	Next   uint64 `json:"next"`
	Count  int    `json:"count"`
}

// Highest returns the highest assigned sequence as a signed value, -1 when
// no event has ever been appended.
func (w Window) Highest() int64 {
	return int64(w.Next) - 1
}

// Store manages session records: bounded retained-event buffers, activity
// timestamps, subscriber counts, and TTL-based expiry. It has no knowledge
// of the transport delivering events.
type Store interface {
	// GetOrCreate returns the session for id, creating it if unknown.
	// It is idempotent under concurrent calls with the same id: the first
	// caller wins and all callers observe the same session.
	GetOrCreate(ctx context.Context, id string) (Info, bool, error)

	// Get returns a snapshot of an existing session.
	Get(ctx context.Context, id string) (Info, error)

	// Append assigns the next sequence number and stores the event,
	// evicting the oldest retained event when the buffer is full. It
	// never blocks the producer. The stored event is returned.
	Append(ctx context.Context, id, eventType string, payload json.RawMessage) (Event, error)

	// Replay returns the retained events with sequence >= fromSeq in
	// order, the current retained window, and whether a gap exists
	// (fromSeq below the lowest retained sequence).
	Replay(ctx context.Context, id string, fromSeq uint64) ([]Event, Window, bool, error)

	// Touch refreshes the session's last-activity timestamp.
	Touch(ctx context.Context, id string) error

	// AddSubscriber and RemoveSubscriber adjust the subscriber count and
	// return the new count.
	AddSubscriber(ctx context.Context, id string) (int, error)
	RemoveSubscriber(ctx context.Context, id string) (int, error)

	// Close marks the session closed and releases its buffer.
	Close(ctx context.Context, id string) error

	// CloseExpired closes the session only if it is still marked
	// expiring with zero subscribers, re-checked under the session's
	// own lock; a subscriber that attached since the expiry scan keeps
	// the session alive. Reports whether the session was closed.
	CloseExpired(ctx context.Context, id string) (bool, error)

	// List returns snapshots of all live sessions.
	List(ctx context.Context) ([]Info, error)

	// ListExpired returns the ids of sessions with zero subscribers and
	// no activity for the idle TTL, marking them expiring. Only ids are
	// collected under the store-wide lock; per-session checks run under
	// each session's own lock.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// TotalBytes reports the approximate retained bytes across sessions.
	TotalBytes(ctx context.Context) (int64, error)
}
