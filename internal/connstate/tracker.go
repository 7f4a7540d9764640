package connstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/errorx"
)

// entry holds per-connection state. The state cell is the single source of
// truth for reads: Transition writes it first and unconditionally, then
// fires the change notification. Observe loads only the cell, so a caller
// that observes immediately after a transition always sees the new state
// regardless of any notification scheduling.
type entry struct {
	sessionID string
	createdAt time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos
	lastSequence  atomic.Uint64

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every transition
}

// ConnInfo is a snapshot of a tracked connection.
type ConnInfo struct {
	ID            string
	SessionID     string
	State         State
	CreatedAt     time.Time
	LastHeartbeat time.Time
	LastSequence  uint64
}

// Tracker maintains the state machine for every live connection.
type Tracker struct {
	logger *zap.Logger
	mu     sync.RWMutex
	conns  map[string]*entry
}

// NewTracker creates a new connection state tracker
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.Named("connstate"),
		conns:  make(map[string]*entry),
	}
}

// Register starts tracking a connection in the idle state.
func (t *Tracker) Register(connID, sessionID string) {
	now := time.Now()
	e := &entry{
		sessionID: sessionID,
		createdAt: now,
		changed:   make(chan struct{}),
	}
	e.state.Store(int32(StateIdle))
	e.lastHeartbeat.Store(now.UnixNano())

	t.mu.Lock()
	t.conns[connID] = e
	t.mu.Unlock()
}

// Unregister stops tracking a connection.
func (t *Tracker) Unregister(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
}

// Transition moves a connection to a new state. The immediately-visible
// state cell is updated before watchers are signaled; the notification is a
// side effect, never the read path. Invalid transitions are rejected,
// logged, and force the connection to errored.
func (t *Tracker) Transition(connID string, to State) error {
	e, err := t.lookup(connID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	from := State(e.state.Load())
	if from == to {
		e.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		// Force errored through the same write-then-notify discipline.
		if !from.Terminal() {
			e.state.Store(int32(StateErrored))
			t.signalLocked(e)
		}
		e.mu.Unlock()
		t.logger.Error("rejected connection state transition",
			zap.String("connection_id", connID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return &errorx.StateTransitionError{ConnectionID: connID, From: from.String(), To: to.String()}
	}

	e.state.Store(int32(to))
	t.signalLocked(e)
	e.mu.Unlock()

	t.logger.Debug("connection state changed",
		zap.String("connection_id", connID),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	return nil
}

// Observe returns the connection's current state. It reads only the
// atomically updated cell and is safe to call from any goroutine without
// waiting on the owning connection's delivery loop.
func (t *Tracker) Observe(connID string) (State, error) {
	e, err := t.lookup(connID)
	if err != nil {
		return StateClosed, err
	}
	return State(e.state.Load()), nil
}

// WaitFor blocks until the connection reaches the target state, the timeout
// elapses, or the context is cancelled. It is signaled by transitions and
// re-checks Observe; it never depends on any propagation path completing.
func (t *Tracker) WaitFor(ctx context.Context, connID string, target State, timeout time.Duration) error {
	e, err := t.lookup(connID)
	if err != nil {
		return err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		changed := e.changed
		e.mu.Unlock()

		current := State(e.state.Load())
		if current == target {
			return nil
		}
		if current.Terminal() {
			return &errorx.StateTransitionError{ConnectionID: connID, From: current.String(), To: target.String()}
		}

		select {
		case <-changed:
		case <-deadline.C:
			return errorx.ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Heartbeat records transport liveness for a connection.
func (t *Tracker) Heartbeat(connID string) {
	if e, err := t.lookup(connID); err == nil {
		e.lastHeartbeat.Store(time.Now().UnixNano())
	}
}

// SetLastSequence records the last delivered sequence for a connection.
func (t *Tracker) SetLastSequence(connID string, seq uint64) {
	if e, err := t.lookup(connID); err == nil {
		e.lastSequence.Store(seq)
	}
}

// Get returns a snapshot of a tracked connection.
func (t *Tracker) Get(connID string) (ConnInfo, error) {
	e, err := t.lookup(connID)
	if err != nil {
		return ConnInfo{}, err
	}
	return t.snapshot(connID, e), nil
}

// Expired returns connections whose last heartbeat is older than ttl.
// Candidates are collected under a brief read lock.
func (t *Tracker) Expired(now time.Time, ttl time.Duration) []ConnInfo {
	t.mu.RLock()
	type pair struct {
		id string
		e  *entry
	}
	entries := make([]pair, 0, len(t.conns))
	for id, e := range t.conns {
		entries = append(entries, pair{id, e})
	}
	t.mu.RUnlock()

	var expired []ConnInfo
	for _, p := range entries {
		last := time.Unix(0, p.e.lastHeartbeat.Load())
		if now.Sub(last) > ttl && !State(p.e.state.Load()).Terminal() {
			expired = append(expired, t.snapshot(p.id, p.e))
		}
	}
	return expired
}

func (t *Tracker) lookup(connID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return nil, errorx.ErrConnectionNotFound
	}
	return e, nil
}

// signalLocked fires the change notification. Callers hold e.mu; the state
// cell has already been written when this runs.
func (t *Tracker) signalLocked(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (t *Tracker) snapshot(id string, e *entry) ConnInfo {
	return ConnInfo{
		ID:            id,
		SessionID:     e.sessionID,
		State:         State(e.state.Load()),
		CreatedAt:     e.createdAt,
		LastHeartbeat: time.Unix(0, e.lastHeartbeat.Load()),
		LastSequence:  e.lastSequence.Load(),
	}
}
