package runner

import "sync"

const defaultRingSize = 256 // events of scrollback per session

// eventRing keeps the most recent events for a session so late subscribers
// can catch up before receiving live output.
type eventRing struct {
	mu   sync.Mutex
	buf  []Event
	size int
	w    int
	full bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{
		buf:  make([]Event, size),
		size: size,
	}
}

func (r *eventRing) Append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.w] = ev
	r.w++
	if r.w >= r.size {
		r.w = 0
		r.full = true
	}
}

// Events returns the buffered events in insertion order.
func (r *eventRing) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Event, r.w)
		copy(out, r.buf[:r.w])
		return out
	}

	out := make([]Event, 0, r.size)
	out = append(out, r.buf[r.w:]...)
	out = append(out, r.buf[:r.w]...)
	return out
}
