package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/connstate"
	"github.com/relaycast/relaycast/internal/session"
	"github.com/relaycast/relaycast/pkg/metrics"
)

// Sweeper evicts idle sessions and dead connections on a fixed interval.
// Candidate enumeration happens under brief snapshot locks; each eviction
// runs under the affected session's own locks, so sweeping one session
// never blocks publishing to another.
type Sweeper struct {
	logger      *zap.Logger
	store       session.Store
	broadcaster *broadcast.Broadcaster
	tracker     *connstate.Tracker
	metrics     *metrics.Metrics

	interval time.Duration
	connTTL  time.Duration
}

// New creates a new lifecycle sweeper
func New(logger *zap.Logger, store session.Store, b *broadcast.Broadcaster, t *connstate.Tracker, m *metrics.Metrics, interval, connTTL time.Duration) *Sweeper {
	return &Sweeper{
		logger:      logger.Named("sweeper"),
		store:       store,
		broadcaster: b,
		tracker:     t,
		metrics:     m,
		interval:    interval,
		connTTL:     connTTL,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		}
	}
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.sweepConnections(ctx, now)
	s.sweepSessions(ctx, now)

	if s.metrics != nil {
		if infos, err := s.store.List(ctx); err == nil {
			s.metrics.SetSessionsActive(len(infos))
		}
		if total, err := s.store.TotalBytes(ctx); err == nil {
			s.metrics.SetStoreBytes(total)
		}
	}
}

func (s *Sweeper) sweepSessions(ctx context.Context, now time.Time) {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("failed to list expired sessions", zap.Error(err))
		return
	}

	for _, id := range expired {
		closed, err := s.broadcaster.SweepSession(ctx, id)
		if err != nil {
			s.logger.Warn("failed to close expired session",
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		if !closed {
			// A subscriber reattached since the expiry scan.
			s.logger.Debug("session revived before eviction", zap.String("id", id))
			continue
		}
		if s.metrics != nil {
			s.metrics.SweepEvicted("session")
		}
		s.logger.Info("evicted idle session", zap.String("id", id))
	}
}

func (s *Sweeper) sweepConnections(ctx context.Context, now time.Time) {
	for _, conn := range s.tracker.Expired(now, s.connTTL) {
		if err := s.tracker.Transition(conn.ID, connstate.StateErrored); err != nil {
			s.logger.Debug("failed to error dead connection",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
		s.broadcaster.UnsubscribeConnection(ctx, conn.ID)
		s.tracker.Unregister(conn.ID)
		if s.metrics != nil {
			s.metrics.SweepEvicted("connection")
		}
		s.logger.Info("evicted dead connection",
			zap.String("connection_id", conn.ID),
			zap.String("session_id", conn.SessionID))
	}
}
