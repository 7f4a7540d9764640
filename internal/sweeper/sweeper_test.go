package sweeper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/common/errorx"
	"github.com/relaycast/relaycast/internal/connstate"
	"github.com/relaycast/relaycast/internal/session"
)

func newTestSweeper(t *testing.T) (*Sweeper, *broadcast.Broadcaster, *connstate.Tracker, session.Store) {
	t.Helper()
	cfg := config.SessionConfig{
		TTLIdle:             time.Minute,
		RetainedEvents:      16,
		MaxSessionBytes:     1 << 20,
		MemoryWarningBytes:  1 << 26,
		MemoryCriticalBytes: 1 << 27,
	}
	store := session.NewMemoryStore(zap.NewNop(), cfg)
	b := broadcast.New(zap.NewNop(), store, nil, 8, broadcast.PolicyDropOldest)
	tr := connstate.NewTracker(zap.NewNop())
	sw := New(zap.NewNop(), store, b, tr, nil, 10*time.Millisecond, 30*time.Second)
	return sw, b, tr, store
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	sw, b, _, store := newTestSweeper(t)
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "idle", cnst.EventData, json.RawMessage(`{}`))
	require.NoError(t, err)

	// A session with a live subscriber is never swept.
	watched, err := b.Subscribe(ctx, "watched", "c1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe(ctx, watched)

	sw.Sweep(ctx, time.Now().Add(2*time.Minute))

	_, err = store.Get(ctx, "idle")
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
	_, err = store.Get(ctx, "watched")
	assert.NoError(t, err)
}

func TestSweepKeepsRecentlyActiveSessions(t *testing.T) {
	sw, _, _, store := newTestSweeper(t)
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	sw.Sweep(ctx, time.Now())

	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepEvictsDeadConnections(t *testing.T) {
	// Session TTL is long here so only the connection pass fires.
	cfg := config.SessionConfig{
		TTLIdle:             time.Hour,
		RetainedEvents:      16,
		MaxSessionBytes:     1 << 20,
		MemoryWarningBytes:  1 << 26,
		MemoryCriticalBytes: 1 << 27,
	}
	store := session.NewMemoryStore(zap.NewNop(), cfg)
	b := broadcast.New(zap.NewNop(), store, nil, 8, broadcast.PolicyDropOldest)
	tr := connstate.NewTracker(zap.NewNop())
	sw := New(zap.NewNop(), store, b, tr, nil, 10*time.Millisecond, 30*time.Second)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "s1", "dead", 0)
	require.NoError(t, err)
	tr.Register("dead", "s1")
	require.NoError(t, tr.Transition("dead", connstate.StateConnecting))

	// Two minutes without a heartbeat is past the 30s connection TTL.
	sw.Sweep(ctx, time.Now().Add(2*time.Minute))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("dead connection's subscription was not removed")
	}

	_, err = tr.Observe("dead")
	assert.ErrorIs(t, err, errorx.ErrConnectionNotFound)

	info, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Subscribers)
}

func TestSweepSparesSessionRevivedAfterExpiryScan(t *testing.T) {
	sw, b, _, store := newTestSweeper(t)
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	// An earlier scan already marked the session expiring.
	expired, err := store.ListExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, expired)

	// A client reattaches before the eviction pass runs.
	sub, err := b.Subscribe(ctx, "s1", "c1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe(ctx, sub)

	sw.Sweep(ctx, time.Now().Add(2*time.Minute))

	info, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribers)
	select {
	case <-sub.Done():
		t.Fatal("revived session's subscription was closed by the sweep")
	default:
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sw, _, _, _ := newTestSweeper(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
