package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/common/errorx"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.SessionConfig{
		TTLIdle:             time.Minute,
		RetainedEvents:      5,
		MaxSessionBytes:     1 << 20,
		MemoryWarningBytes:  1 << 26,
		MemoryCriticalBytes: 1 << 27,
		Redis: config.SessionRedisConfig{
			Addr:   mr.Addr(),
			Prefix: "testsess",
			TTL:    5 * time.Minute,
		},
	}
	store, err := NewRedisStore(zap.NewNop(), cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create RedisStore: %v", err)
	}
	return store, mr
}

func TestNewRedisStoreConnectionError(t *testing.T) {
	cfg := config.SessionConfig{
		Redis: config.SessionRedisConfig{Addr: "127.0.0.1:0"},
	}
	store, err := NewRedisStore(zap.NewNop(), cfg)
	assert.Nil(t, store)
	assert.Error(t, err)
}

func TestRedisStoreCreateAppendReplay(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	info, created, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, cnst.SessionActive, info.Status)

	_, created, err = store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, created)

	for want := uint64(0); want < 3; want++ {
		evt, err := store.Append(ctx, "s1", cnst.EventData, json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, want, evt.Sequence)
	}

	events, window, gap, err := store.Replay(ctx, "s1", 1)
	require.NoError(t, err)
	assert.False(t, gap)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(0), window.Lowest)
	assert.Equal(t, int64(2), window.Highest())
}

func TestRedisStoreEvictionAndGap(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "s1", cnst.EventData, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	events, window, gap, err := store.Replay(ctx, "s1", 2)
	require.NoError(t, err)
	assert.True(t, gap)
	require.Len(t, events, 5)
	assert.Equal(t, uint64(5), events[0].Sequence)
	assert.Equal(t, uint64(5), window.Lowest)
	assert.Equal(t, int64(9), window.Highest())
}

func TestRedisStoreSubscribersAndExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	_, _, err = store.GetOrCreate(ctx, "busy")
	require.NoError(t, err)

	n, err := store.AddSubscriber(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := store.ListExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, expired)

	info, err := store.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, cnst.SessionExpiring, info.Status)

	n, err = store.RemoveSubscriber(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = store.RemoveSubscriber(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisStoreClose(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	_, err = store.Append(ctx, "s1", cnst.EventData, json.RawMessage(`{"x":"y"}`))
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)

	total, err := store.TotalBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	assert.ErrorIs(t, store.Close(ctx, "s1"), errorx.ErrSessionNotFound)
}

func TestRedisStoreUnknownSession(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, err := store.Append(ctx, "nope", cnst.EventData, nil)
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
	_, _, _, err = store.Replay(ctx, "nope", 0)
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
}

func TestRedisStoreCloseExpired(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	// Still active: the conditional close must decline.
	closed, err := store.CloseExpired(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, closed)

	expired, err := store.ListExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, expired)

	closed, err = store.CloseExpired(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, closed)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)

	closed, err = store.CloseExpired(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestRedisStoreCloseExpiredSparesRevivedSession(t *testing.T) {
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Shutdown()
		mr.Close()
	}()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	expired, err := store.ListExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, expired)

	_, err = store.AddSubscriber(ctx, "s1")
	require.NoError(t, err)

	closed, err := store.CloseExpired(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, closed)

	info, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribers)
}
