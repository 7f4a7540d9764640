package reconnect

import (
	"context"
	"errors"
	"fmt"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/common/errorx"
	"github.com/relaycast/relaycast/internal/connstate"
)

// Manager reattaches a client to an existing session's stream under
// exponential backoff with jitter. It holds no event data; replay is
// delegated to the broadcaster's subscribe path.
type Manager struct {
	logger      *zap.Logger
	broadcaster *broadcast.Broadcaster
	tracker     *connstate.Tracker
	cfg         config.ReconnectConfig
}

// NewManager creates a new reconnection manager
func NewManager(logger *zap.Logger, b *broadcast.Broadcaster, t *connstate.Tracker, cfg config.ReconnectConfig) *Manager {
	return &Manager{
		logger:      logger.Named("reconnect"),
		broadcaster: b,
		tracker:     t,
		cfg:         cfg,
	}
}

// Reconnect retries subscribing from lastSeq+1 until it succeeds, the
// attempt budget is spent, or the context is cancelled. Backoff state is
// fresh per call; a successful subscribe resets it implicitly. Exhaustion
// returns ErrReconnectExhausted so the caller receives an explicit give-up
// signal instead of hanging.
func (m *Manager) Reconnect(ctx context.Context, sessionID, connectionID string, lastSeq uint64) (*broadcast.Subscription, error) {
	policy := m.newBackOff(ctx)

	var sub *broadcast.Subscription
	attempt := 0
	operation := func() error {
		attempt++
		if err := m.tracker.Transition(connectionID, connstate.StateConnecting); err != nil &&
			!errors.Is(err, errorx.ErrConnectionNotFound) {
			return backoff.Permanent(err)
		}

		var err error
		sub, err = m.broadcaster.Subscribe(ctx, sessionID, connectionID, lastSeq+1)
		if err != nil {
			m.logger.Debug("reconnect attempt failed",
				zap.String("session_id", sessionID),
				zap.String("connection_id", connectionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if errors.Is(err, errorx.ErrSessionClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-backoff: no further attempts.
			_ = m.tracker.Transition(connectionID, connstate.StateClosed)
			return nil, ctx.Err()
		}
		if permanent := new(backoff.PermanentError); errors.As(err, &permanent) {
			_ = m.tracker.Transition(connectionID, connstate.StateErrored)
			return nil, permanent.Err
		}
		_ = m.tracker.Transition(connectionID, connstate.StateErrored)
		return nil, fmt.Errorf("%w after %d attempts: %v", errorx.ErrReconnectExhausted, attempt, err)
	}

	if err := m.tracker.Transition(connectionID, connstate.StateConnected); err != nil &&
		!errors.Is(err, errorx.ErrConnectionNotFound) {
		m.broadcaster.Unsubscribe(ctx, sub)
		return nil, err
	}

	m.logger.Info("reconnected",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID),
		zap.Uint64("resume_from", lastSeq+1),
		zap.Int("attempts", attempt))
	return sub, nil
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return backoff.WithContext(backoff.WithMaxRetries(b, m.cfg.MaxAttempts), ctx)
}
