package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/session"
)

// Policy selects the backpressure behavior for a full subscriber queue.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued event to make room,
	// preserving most-recent-state bias for progress-style streams.
	PolicyDropOldest Policy = cnst.PolicyDropOldest
	// PolicyDisconnect fails the subscription instead of dropping,
	// for streams where no event may ever be silently lost.
	PolicyDisconnect Policy = cnst.PolicyDisconnect
)

// Subscription binds one connection to one session's event stream plus a
// replay cursor. Events arrive on Events() in strictly increasing sequence
// order; Done() is closed when the subscription ends, after which Err()
// reports the failure cause, if any.
type Subscription struct {
	id           string
	sessionID    string
	connectionID string
	policy       Policy

	queue chan session.Event
	done  chan struct{}

	closeOnce sync.Once
	failure   atomic.Value // error
	drops     atomic.Uint64

	// lastEnqueued guards against duplicate fan-out of events already
	// replayed at subscribe time. Written only under the owning
	// subscriber set's lock.
	lastEnqueued uint64
	hasEnqueued  bool

	replayGap bool
	window    session.Window
}

// Events returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan session.Event {
	return s.queue
}

// Done is closed when the subscription has been removed or failed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal failure, if any, once Done is closed.
func (s *Subscription) Err() error {
	if err, ok := s.failure.Load().(error); ok {
		return err
	}
	return nil
}

// Dropped reports how many events were discarded under the drop-oldest
// policy for this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.drops.Load()
}

// ReplayGap reports whether the requested replay cursor was below the
// retained window, meaning some history was lost.
func (s *Subscription) ReplayGap() bool {
	return s.replayGap
}

// Window returns the session's retained window at subscribe time.
func (s *Subscription) Window() session.Window {
	return s.window
}

func (s *Subscription) SessionID() string { return s.sessionID }

func (s *Subscription) ConnectionID() string { return s.connectionID }

// close finalizes the subscription. Callers hold the owning subscriber
// set's lock, so no enqueue can race the queue close.
func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.failure.Store(err)
		}
		close(s.done)
		close(s.queue)
	})
}
