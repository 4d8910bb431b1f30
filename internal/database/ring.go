package database

// boundedRing is a fixed-capacity FIFO buffer. Pushing onto a full ring
// silently evicts the oldest entry; the bound is what keeps long-lived
// monitoring state from growing without limit. Not safe for concurrent
// use; callers hold their own lock.
type boundedRing[T any] struct {
	buf   []T
	start int
	count int
}

func newBoundedRing[T any](capacity int) *boundedRing[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedRing[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (r *boundedRing[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of buffered entries.
func (r *boundedRing[T]) Len() int {
	return r.count
}

// Items returns the buffered entries, oldest first.
func (r *boundedRing[T]) Items() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Clear drops all entries.
func (r *boundedRing[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start = 0
	r.count = 0
}
