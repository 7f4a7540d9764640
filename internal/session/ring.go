package session

// ring is a fixed-capacity event buffer. Appending beyond capacity evicts
// the oldest retained event. Not safe for concurrent use; callers hold the
// owning session's lock.
type ring struct {
	buf   []Event
	start int
	count int
	bytes int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

// append stores the event, returning the evicted event if the ring was full.
func (r *ring) append(e Event) (Event, bool) {
	var evicted Event
	var hadEviction bool
	if r.count == len(r.buf) {
		evicted = r.buf[r.start]
		hadEviction = true
		r.bytes -= evicted.Size()
		r.buf[r.start] = Event{}
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[(r.start+r.count)%len(r.buf)] = e
	r.count++
	r.bytes += e.Size()
	return evicted, hadEviction
}

// evictOldest removes and returns the oldest retained event.
func (r *ring) evictOldest() (Event, bool) {
	if r.count == 0 {
		return Event{}, false
	}
	e := r.buf[r.start]
	r.buf[r.start] = Event{}
	r.start = (r.start + 1) % len(r.buf)
	r.count--
	r.bytes -= e.Size()
	return e, true
}

// snapshot copies the retained events with sequence >= from, in order, and
// reports whether a gap exists between from and the lowest retained event.
func (r *ring) snapshot(from uint64) ([]Event, bool) {
	if r.count == 0 {
		return nil, false
	}
	lowest := r.buf[r.start].Sequence
	gap := from < lowest
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if gap || e.Sequence >= from {
			out = append(out, e)
		}
	}
	return out, gap
}

func (r *ring) lowest() (uint64, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.buf[r.start].Sequence, true
}

func (r *ring) len() int { return r.count }

func (r *ring) size() int64 { return r.bytes }

// reset drops all retained events and returns the bytes released.
func (r *ring) reset() int64 {
	released := r.bytes
	for i := range r.buf {
		r.buf[i] = Event{}
	}
	r.start = 0
	r.count = 0
	r.bytes = 0
	return released
}
