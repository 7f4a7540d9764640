package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/errorx"
	"github.com/relaycast/relaycast/internal/session"
	"github.com/relaycast/relaycast/pkg/metrics"
)

// Broadcaster fans events out from producers to the subscriptions of each
// session. Producers never call into subscriber code: delivery goes through
// each subscription's bounded queue, drained by that connection's own
// delivery loop, so a stalled subscriber cannot block the publisher or its
// peers.
type Broadcaster struct {
	logger    *zap.Logger
	store     session.Store
	metrics   *metrics.Metrics
	queueSize int
	policy    Policy

	// mu guards only map membership. Fan-out for a session runs under
	// that session's own subscriber-set lock, so publishing to one
	// session and closing another never contend.
	mu       sync.RWMutex
	sessions map[string]*subscriberSet
	byConn   map[string]map[*Subscription]struct{}
}

// subscriberSet is the per-session fan-out unit. Its lock is held across
// append plus enqueue only: a short, bounded critical section. Once closed
// is set the entry has been removed from the session map and must not
// accept registrations; callers that find it closed re-fetch.
type subscriberSet struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a new broadcaster on top of a session store.
func New(logger *zap.Logger, store session.Store, m *metrics.Metrics, queueSize int, policy Policy) *Broadcaster {
	return &Broadcaster{
		logger:    logger.Named("broadcast"),
		store:     store,
		metrics:   m,
		queueSize: queueSize,
		policy:    policy,
		sessions:  make(map[string]*subscriberSet),
		byConn:    make(map[string]map[*Subscription]struct{}),
	}
}

// Publish appends the event to the session's retained buffer and delivers
// it to every live subscription. Publishing to a session with no
// subscribers is a normal retain-and-buffer no-op.
func (b *Broadcaster) Publish(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (uint64, error) {
	start := time.Now()
	set := b.lockedSet(sessionID)

	evt, err := b.store.Append(ctx, sessionID, eventType, payload)
	if err != nil {
		b.dropIfEmptyLocked(ctx, sessionID, set)
		set.mu.Unlock()
		return 0, err
	}
	for sub := range set.subs {
		b.enqueueLocked(ctx, set, sub, evt)
	}
	b.dropIfEmptyLocked(ctx, sessionID, set)
	set.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PublishDone(eventType, start)
	}
	return evt.Sequence, nil
}

// Subscribe registers a connection on a session's stream, creating the
// session if it is unknown. The retained backlog from fromSeq is replayed
// through the subscription queue; when fromSeq is below the retained
// window the subscription is marked with a replay gap and replay starts at
// the lowest retained sequence.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID, connectionID string, fromSeq uint64) (*Subscription, error) {
	var (
		set     *subscriberSet
		backlog []session.Event
		window  session.Window
		gap     bool
	)
	for {
		if _, _, err := b.store.GetOrCreate(ctx, sessionID); err != nil {
			return nil, err
		}
		set = b.subscribers(sessionID)
		set.mu.Lock()
		if set.closed {
			// Lost the race against a concurrent close: the set has
			// been retired, so fetch a fresh one.
			set.mu.Unlock()
			continue
		}

		var err error
		backlog, window, gap, err = b.store.Replay(ctx, sessionID, fromSeq)
		if err == nil {
			_, err = b.store.AddSubscriber(ctx, sessionID)
		}
		if err != nil {
			b.dropIfEmptyLocked(ctx, sessionID, set)
			set.mu.Unlock()
			if errors.Is(err, errorx.ErrSessionNotFound) || errors.Is(err, errorx.ErrSessionClosed) {
				// The session vanished between the existence check
				// and registration; re-create it and try again.
				continue
			}
			return nil, err
		}
		break
	}
	defer set.mu.Unlock()

	// The queue must hold the whole backlog so an in-window replay is
	// gap-free even when it exceeds the configured capacity.
	capacity := b.queueSize
	if len(backlog) > capacity {
		capacity = len(backlog)
	}

	sub := &Subscription{
		id:           uuid.New().String(),
		sessionID:    sessionID,
		connectionID: connectionID,
		policy:       b.policy,
		queue:        make(chan session.Event, capacity),
		done:         make(chan struct{}),
		replayGap:    gap,
		window:       window,
	}
	for _, evt := range backlog {
		sub.queue <- evt
		sub.lastEnqueued = evt.Sequence
		sub.hasEnqueued = true
	}

	set.subs[sub] = struct{}{}
	b.indexByConn(sub)

	if b.metrics != nil {
		b.metrics.SubscriberAdded()
		if gap {
			b.metrics.ReplayGap()
		}
	}
	b.logger.Debug("subscription registered",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID),
		zap.Uint64("from_sequence", fromSeq),
		zap.Bool("replay_gap", gap),
		zap.Int("backlog", len(backlog)))
	return sub, nil
}

// Unsubscribe removes a subscription and closes its queue.
func (b *Broadcaster) Unsubscribe(ctx context.Context, sub *Subscription) {
	set := b.lockedSet(sub.sessionID)
	b.removeLocked(ctx, set, sub, nil)
	b.dropIfEmptyLocked(ctx, sub.sessionID, set)
	set.mu.Unlock()
}

// UnsubscribeConnection removes every subscription held by a connection.
func (b *Broadcaster) UnsubscribeConnection(ctx context.Context, connectionID string) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.byConn[connectionID]))
	for sub := range b.byConn[connectionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		set := b.lockedSet(sub.sessionID)
		b.removeLocked(ctx, set, sub, nil)
		b.dropIfEmptyLocked(ctx, sub.sessionID, set)
		set.mu.Unlock()
	}
}

// CloseSession fails every subscription of the session, cancelling their
// outstanding waits, and closes the session in the store.
func (b *Broadcaster) CloseSession(ctx context.Context, sessionID string) error {
	set := b.lockedSet(sessionID)

	// The store entry goes first so a racing subscribe lands on a fresh
	// recreated session instead of the dying one.
	closeErr := b.store.Close(ctx, sessionID)

	b.retireLocked(ctx, sessionID, set, errorx.ErrSessionClosed)
	set.mu.Unlock()
	return closeErr
}

// SweepSession closes the session only if it is still expired with no
// subscribers. A client that reattached after the expiry scan revives the
// session and is left untouched. Reports whether the session was closed.
func (b *Broadcaster) SweepSession(ctx context.Context, sessionID string) (bool, error) {
	set := b.lockedSet(sessionID)

	closed, err := b.store.CloseExpired(ctx, sessionID)
	if err != nil || !closed {
		b.dropIfEmptyLocked(ctx, sessionID, set)
		set.mu.Unlock()
		return false, err
	}

	b.retireLocked(ctx, sessionID, set, errorx.ErrSessionClosed)
	set.mu.Unlock()
	return true, nil
}

// Store exposes the underlying session store for read-side collaborators.
func (b *Broadcaster) Store() session.Store {
	return b.store
}

// enqueueLocked delivers one event to one subscription under the owning
// set's lock, applying the configured backpressure policy.
func (b *Broadcaster) enqueueLocked(ctx context.Context, set *subscriberSet, sub *Subscription, evt session.Event) {
	// Replay at subscribe time may already have covered this event.
	if sub.hasEnqueued && evt.Sequence <= sub.lastEnqueued {
		return
	}

	select {
	case sub.queue <- evt:
		sub.lastEnqueued = evt.Sequence
		sub.hasEnqueued = true
		return
	default:
	}

	switch sub.policy {
	case PolicyDisconnect:
		b.logger.Warn("subscriber overwhelmed, disconnecting",
			zap.String("session_id", sub.sessionID),
			zap.String("connection_id", sub.connectionID))
		b.removeLocked(ctx, set, sub, errorx.ErrSubscriberOverwhelmed)
	default:
		// Drop the oldest queued event to keep the most recent state.
		select {
		case <-sub.queue:
			sub.drops.Add(1)
			if b.metrics != nil {
				b.metrics.EventDropped(string(PolicyDropOldest))
			}
		default:
		}
		select {
		case sub.queue <- evt:
			sub.lastEnqueued = evt.Sequence
			sub.hasEnqueued = true
		default:
			// The queue refilled before we could send; count the
			// new event as the dropped one.
			sub.drops.Add(1)
			if b.metrics != nil {
				b.metrics.EventDropped(string(PolicyDropOldest))
			}
		}
	}
}

// removeLocked detaches a subscription under the owning set's lock.
func (b *Broadcaster) removeLocked(ctx context.Context, set *subscriberSet, sub *Subscription, cause error) {
	if _, ok := set.subs[sub]; !ok {
		return
	}
	delete(set.subs, sub)
	sub.close(cause)

	b.mu.Lock()
	if conns, ok := b.byConn[sub.connectionID]; ok {
		delete(conns, sub)
		if len(conns) == 0 {
			delete(b.byConn, sub.connectionID)
		}
	}
	b.mu.Unlock()

	if _, err := b.store.RemoveSubscriber(ctx, sub.sessionID); err != nil {
		b.logger.Debug("failed to decrement subscriber count",
			zap.String("session_id", sub.sessionID),
			zap.Error(err))
	}
	if b.metrics != nil {
		b.metrics.SubscriberRemoved()
	}
}

// lockedSet returns the session's subscriber set with its lock held,
// skipping past sets a concurrent close already retired.
func (b *Broadcaster) lockedSet(sessionID string) *subscriberSet {
	for {
		set := b.subscribers(sessionID)
		set.mu.Lock()
		if !set.closed {
			return set
		}
		set.mu.Unlock()
	}
}

// retireLocked fails any remaining subscriptions, marks the set closed and
// removes it from the session map, all under set.mu, so no subscriber can
// register into an entry the map no longer reaches.
func (b *Broadcaster) retireLocked(ctx context.Context, sessionID string, set *subscriberSet, cause error) {
	for sub := range set.subs {
		b.removeLocked(ctx, set, sub, cause)
	}
	set.closed = true

	b.mu.Lock()
	if cur, ok := b.sessions[sessionID]; ok && cur == set {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
}

// dropIfEmptyLocked retires a set that holds no subscriptions, so session
// ids the store rejected or sessions whose last subscriber left do not
// accumulate map entries.
func (b *Broadcaster) dropIfEmptyLocked(ctx context.Context, sessionID string, set *subscriberSet) {
	if !set.closed && len(set.subs) == 0 {
		b.retireLocked(ctx, sessionID, set, nil)
	}
}

// subscribers returns the subscriber set for a session, creating it if
// needed.
func (b *Broadcaster) subscribers(sessionID string) *subscriberSet {
	b.mu.RLock()
	set, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok {
		return set
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok = b.sessions[sessionID]; !ok {
		set = &subscriberSet{subs: make(map[*Subscription]struct{})}
		b.sessions[sessionID] = set
	}
	return set
}

func (b *Broadcaster) indexByConn(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byConn[sub.connectionID]; !ok {
		b.byConn[sub.connectionID] = make(map[*Subscription]struct{})
	}
	b.byConn[sub.connectionID][sub] = struct{}{}
}
