package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/common/errorx"
)

// MemoryStore implements Store using in-memory records. The store-wide
// mutex guards only map membership; every record carries its own lock, so
// operations on distinct sessions never contend.
type MemoryStore struct {
	logger *zap.Logger

	ttlIdle         time.Duration
	retainedEvents  int
	maxSessionBytes int64
	warningBytes    int64
	criticalBytes   int64

	mu       sync.RWMutex
	sessions map[string]*memSession

	totalBytes atomic.Int64
	warned     atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

type memSession struct {
	mu           sync.RWMutex
	id           string
	createdAt    time.Time
	lastActivity time.Time
	status       string
	subscribers  int
	nextSeq      uint64
	events       *ring
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore(logger *zap.Logger, cfg config.SessionConfig) *MemoryStore {
	return &MemoryStore{
		logger:          logger.Named("session.store.memory"),
		ttlIdle:         cfg.TTLIdle,
		retainedEvents:  cfg.RetainedEvents,
		maxSessionBytes: cfg.MaxSessionBytes,
		warningBytes:    cfg.MemoryWarningBytes,
		criticalBytes:   cfg.MemoryCriticalBytes,
		sessions:        make(map[string]*memSession),
	}
}

// GetOrCreate implements Store.GetOrCreate
func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (Info, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return s.snapshot(sess), false, nil
	}

	// Fail closed: no new sessions under critical memory pressure.
	if s.totalBytes.Load() >= s.criticalBytes {
		return Info{}, false, errorx.ErrCapacityExceeded
	}

	s.mu.Lock()
	if sess, ok = s.sessions[id]; !ok {
		now := time.Now()
		sess = &memSession{
			id:           id,
			createdAt:    now,
			lastActivity: now,
			status:       cnst.SessionActive,
			events:       newRing(s.retainedEvents),
		}
		s.sessions[id] = sess
		s.mu.Unlock()
		s.logger.Debug("session created", zap.String("id", id))
		return s.snapshot(sess), true, nil
	}
	s.mu.Unlock()
	return s.snapshot(sess), false, nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (Info, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return s.snapshot(sess), nil
}

// Append implements Store.Append
func (s *MemoryStore) Append(_ context.Context, id, eventType string, payload json.RawMessage) (Event, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return Event{}, err
	}

	sess.mu.Lock()
	if sess.status == cnst.SessionClosed {
		sess.mu.Unlock()
		return Event{}, errorx.ErrSessionClosed
	}

	seq := sess.nextSeq
	sess.nextSeq++
	evt := Event{
		Sequence:  seq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	delta := evt.Size()
	if evicted, ok := sess.events.append(evt); ok {
		delta -= evicted.Size()
	}
	// Enforce the per-session byte budget by shrinking the window further.
	for sess.events.size() > s.maxSessionBytes && sess.events.len() > 1 {
		if evicted, ok := sess.events.evictOldest(); ok {
			delta -= evicted.Size()
		}
	}
	sess.lastActivity = evt.Timestamp
	sess.status = cnst.SessionActive
	sess.mu.Unlock()

	s.accountBytes(delta)
	return evt, nil
}

// Replay implements Store.Replay
func (s *MemoryStore) Replay(_ context.Context, id string, fromSeq uint64) ([]Event, Window, bool, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, Window{}, false, err
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.status == cnst.SessionClosed {
		return nil, Window{}, false, errorx.ErrSessionClosed
	}
	events, gap := sess.events.snapshot(fromSeq)
	return events, s.windowLocked(sess), gap, nil
}

// Touch implements Store.Touch
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.lastActivity = time.Now()
	sess.status = cnst.SessionActive
	sess.mu.Unlock()
	return nil
}

// AddSubscriber implements Store.AddSubscriber
func (s *MemoryStore) AddSubscriber(_ context.Context, id string) (int, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == cnst.SessionClosed {
		return 0, errorx.ErrSessionClosed
	}
	sess.subscribers++
	sess.lastActivity = time.Now()
	sess.status = cnst.SessionActive
	return sess.subscribers, nil
}

// RemoveSubscriber implements Store.RemoveSubscriber
func (s *MemoryStore) RemoveSubscriber(_ context.Context, id string) (int, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.subscribers > 0 {
		sess.subscribers--
	}
	sess.lastActivity = time.Now()
	return sess.subscribers, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close(_ context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return errorx.ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	sess.mu.Lock()
	sess.status = cnst.SessionClosed
	released := sess.events.reset()
	sess.mu.Unlock()

	s.accountBytes(-released)
	s.logger.Debug("session closed", zap.String("id", id))
	return nil
}

// CloseExpired implements Store.CloseExpired. The expiry re-check and the
// map removal happen under both locks, so an AddSubscriber that revived
// the session since the expiry scan always wins over the eviction.
func (s *MemoryStore) CloseExpired(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	sess.mu.Lock()
	if sess.status != cnst.SessionExpiring || sess.subscribers > 0 {
		sess.mu.Unlock()
		s.mu.Unlock()
		return false, nil
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	sess.status = cnst.SessionClosed
	released := sess.events.reset()
	sess.mu.Unlock()

	s.accountBytes(-released)
	s.logger.Debug("expired session closed", zap.String("id", id))
	return true, nil
}

// List implements Store.List
func (s *MemoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	sessions := make([]*memSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, s.snapshot(sess))
	}
	return infos, nil
}

// ListExpired implements Store.ListExpired. Candidate ids are collected
// under a brief read lock; expiry checks run per session under that
// session's own lock so publishing to other sessions is never blocked.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	sessions := make([]*memSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	var expired []string
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.subscribers == 0 && now.Sub(sess.lastActivity) > s.ttlIdle && sess.status != cnst.SessionClosed {
			sess.status = cnst.SessionExpiring
			expired = append(expired, sess.id)
		}
		sess.mu.Unlock()
	}
	return expired, nil
}

// TotalBytes implements Store.TotalBytes
func (s *MemoryStore) TotalBytes(_ context.Context) (int64, error) {
	return s.totalBytes.Load(), nil
}

func (s *MemoryStore) lookup(id string) (*memSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errorx.ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) snapshot(sess *memSession) Info {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return Info{
		ID:           sess.id,
		CreatedAt:    sess.createdAt,
		LastActivity: sess.lastActivity,
		Status:       sess.status,
		Subscribers:  sess.subscribers,
		Bytes:        sess.events.size(),
	}
}

func (s *MemoryStore) windowLocked(sess *memSession) Window {
	w := Window{Next: sess.nextSeq, Count: sess.events.len()}
	if low, ok := sess.events.lowest(); ok {
		w.Lowest = low
	} else {
		w.Lowest = sess.nextSeq
	}
	return w
}

func (s *MemoryStore) accountBytes(delta int64) {
	total := s.totalBytes.Add(delta)
	switch {
	case total >= s.warningBytes:
		if s.warned.CompareAndSwap(false, true) {
			s.logger.Warn("session store memory above warning threshold",
				zap.Int64("total_bytes", total),
				zap.Int64("warning_bytes", s.warningBytes))
		}
	default:
		s.warned.Store(false)
	}
}
