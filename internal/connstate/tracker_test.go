package connstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/errorx"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(zap.NewNop())
}

func TestTrackerRegisterObserve(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	state, err := tr.Observe("c1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)

	_, err = tr.Observe("unknown")
	assert.ErrorIs(t, err, errorx.ErrConnectionNotFound)

	tr.Unregister("c1")
	_, err = tr.Observe("c1")
	assert.ErrorIs(t, err, errorx.ErrConnectionNotFound)
}

func TestTrackerTransitionVisibleImmediately(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	// A reader that checks right after Transition returns must see the
	// new state without waiting on anything else.
	require.NoError(t, tr.Transition("c1", StateConnecting))
	state, err := tr.Observe("c1")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, state)

	require.NoError(t, tr.Transition("c1", StateConnected))
	state, _ = tr.Observe("c1")
	assert.Equal(t, StateConnected, state)
}

func TestTrackerTransitionIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	require.NoError(t, tr.Transition("c1", StateConnecting))
	require.NoError(t, tr.Transition("c1", StateConnecting))
	state, _ := tr.Observe("c1")
	assert.Equal(t, StateConnecting, state)
}

func TestTrackerInvalidTransitionForcesErrored(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	err := tr.Transition("c1", StateStreaming)
	require.Error(t, err)
	assert.ErrorIs(t, err, errorx.ErrStateTransitionInvalid)

	var transitionErr *errorx.StateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "c1", transitionErr.ConnectionID)
	assert.Equal(t, "idle", transitionErr.From)
	assert.Equal(t, "streaming", transitionErr.To)

	state, _ := tr.Observe("c1")
	assert.Equal(t, StateErrored, state)

	// Terminal states reject everything.
	err = tr.Transition("c1", StateConnecting)
	assert.ErrorIs(t, err, errorx.ErrStateTransitionInvalid)
	state, _ = tr.Observe("c1")
	assert.Equal(t, StateErrored, state)
}

func TestTrackerWaitForReachesTarget(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	done := make(chan error, 1)
	go func() {
		done <- tr.WaitFor(context.Background(), "c1", StateConnected, time.Second)
	}()

	require.NoError(t, tr.Transition("c1", StateConnecting))
	require.NoError(t, tr.Transition("c1", StateConnected))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestTrackerWaitForAlreadyThere(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")
	require.NoError(t, tr.Transition("c1", StateConnecting))

	err := tr.WaitFor(context.Background(), "c1", StateConnecting, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestTrackerWaitForTimeout(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	err := tr.WaitFor(context.Background(), "c1", StateConnected, 20*time.Millisecond)
	assert.ErrorIs(t, err, errorx.ErrWaitTimeout)
}

func TestTrackerWaitForTerminalState(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")
	require.NoError(t, tr.Transition("c1", StateClosed))

	err := tr.WaitFor(context.Background(), "c1", StateConnected, time.Second)
	assert.ErrorIs(t, err, errorx.ErrStateTransitionInvalid)
}

func TestTrackerWaitForContextCancel(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.WaitFor(ctx, "c1", StateConnected, time.Second)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestTrackerHeartbeatAndExpiry(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("fresh", "s1")
	tr.Register("stale", "s1")

	tr.Heartbeat("fresh")
	tr.Heartbeat("stale")

	expired := tr.Expired(time.Now(), time.Minute)
	assert.Empty(t, expired)

	expired = tr.Expired(time.Now().Add(2*time.Minute), time.Minute)
	assert.Len(t, expired, 2)

	// Refreshed connections drop back out of the expired set.
	tr.Heartbeat("fresh")
	time.Sleep(2 * time.Millisecond)
	expired = tr.Expired(time.Now().Add(time.Millisecond), time.Minute)
	assert.Empty(t, expired)
}

func TestTrackerGetSnapshot(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("c1", "s1")
	require.NoError(t, tr.Transition("c1", StateConnecting))
	tr.SetLastSequence("c1", 41)
	tr.SetLastSequence("c1", 42)

	info, err := tr.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", info.ID)
	assert.Equal(t, "s1", info.SessionID)
	assert.Equal(t, StateConnecting, info.State)
	assert.Equal(t, uint64(42), info.LastSequence)
	assert.False(t, info.LastHeartbeat.IsZero())
}

func TestStateStringAndTerminal(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
