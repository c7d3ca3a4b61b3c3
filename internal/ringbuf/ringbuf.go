// Package ringbuf provides a fixed-capacity FIFO with oldest eviction.
package ringbuf

// Buffer is a bounded sequence of at most Cap() values. Adding to a full
// buffer evicts the oldest value. Not safe for concurrent use.
type Buffer[T any] struct {
	data  []T
	head  int // index of the oldest element
	count int
}

// New returns an empty buffer holding up to capacity values.
// It panics if capacity < 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		panic("ringbuf: capacity must be >= 1")
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Add appends v, dropping the oldest value when the buffer is full.
func (b *Buffer[T]) Add(v T) {
	if b.count < len(b.data) {
		b.data[(b.head+b.count)%len(b.data)] = v
		b.count++
		return
	}
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
}

// Get returns the i-th value counted from the oldest. Out of range reads
// return the zero value and false.
func (b *Buffer[T]) Get(i int) (T, bool) {
	if i < 0 || i >= b.count {
		var zero T
		return zero, false
	}
	return b.data[(b.head+i)%len(b.data)], true
}

// Last returns the most recently added value.
func (b *Buffer[T]) Last() (T, bool) { return b.Get(b.count - 1) }

// Len returns the number of stored values.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Clear drops all values.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.head, b.count = 0, 0
}

// RemoveRange deletes count values starting at logical index start.
// The range is clamped to the stored values; an empty range is a no-op.
func (b *Buffer[T]) RemoveRange(start, count int) {
	if start < 0 {
		count += start
		start = 0
	}
	if start >= b.count || count <= 0 {
		return
	}
	if start+count > b.count {
		count = b.count - start
	}
	vals := b.Values()
	vals = append(vals[:start], vals[start+count:]...)
	b.Clear()
	for _, v := range vals {
		b.Add(v)
	}
}

// Values returns the stored values, oldest first, in a new slice.
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.count)
	for i := range out {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	return out
}

// Copy returns an independent buffer with the same capacity and contents.
func (b *Buffer[T]) Copy() *Buffer[T] {
	c := New[T](len(b.data))
	for _, v := range b.Values() {
		c.Add(v)
	}
	return c
}
