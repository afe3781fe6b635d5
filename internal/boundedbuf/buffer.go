// Package boundedbuf implements the backpressure channel between fetch/decode
// producers and the playback consumer.
//
// Capacity is enforced by a buffered Go channel: Push blocks while the channel
// is full. Next to the channel the buffer keeps an approximate length counter
// guarded by a short mutex. The counter is advisory and is only read by the
// scheduler to size prefetch (Slack). Under concurrent Push and Recv it may be
// off by one for an instant, because the channel operation and the counter
// update are two separate steps. That drift is accepted and never corrected;
// the channel remains the source of truth for capacity.
package boundedbuf

import (
	"context"
	"sync"
	"sync/atomic"
)

// Buffer is a bounded FIFO with blocking Push/Recv and close semantics.
//
// Lifecycle: New() → Push()/Recv() → Finish() or Close()
//
//   - Close aborts: pending and future Recv calls return ErrClosed (end of
//     stream) and pending and future Push calls fail with ErrClosed. Items
//     still queued are discarded.
//   - Finish ends the stream gracefully: Recv keeps returning queued items and
//     returns ErrClosed once the buffer is drained. Finish MUST be called by
//     the single producer after its last Push.
type Buffer[T any] struct {
	ch       chan T
	capacity int

	mu     sync.Mutex // Protects length (short critical sections only)
	length int        // Approximate, may drift by ±1 under concurrency

	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	finishOnce sync.Once
	finished   atomic.Bool

	pushed   atomic.Uint64
	received atomic.Uint64
}

// New creates a buffer holding at most capacity items.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
		done:     make(chan struct{}),
	}, nil
}

// Push blocks until a slot is available, the buffer is closed, or ctx is done.
func (b *Buffer[T]) Push(ctx context.Context, item T) error {
	// Closed check first: select picks randomly among ready cases
	if b.closed.Load() || b.finished.Load() {
		return ErrClosed
	}

	select {
	case b.ch <- item:
		b.add(1)
		b.pushed.Add(1)
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until an item is available, the buffer is closed, or ctx is done.
// ErrClosed is the end-of-stream signal.
func (b *Buffer[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if b.closed.Load() {
		return zero, ErrClosed
	}

	select {
	case item, ok := <-b.ch:
		if !ok {
			return zero, ErrClosed
		}
		b.add(-1)
		b.received.Add(1)
		return item, nil
	case <-b.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv returns an item if one is immediately available.
func (b *Buffer[T]) TryRecv() (T, bool) {
	var zero T
	if b.closed.Load() {
		return zero, false
	}

	select {
	case item, ok := <-b.ch:
		if !ok {
			return zero, false
		}
		b.add(-1)
		b.received.Add(1)
		return item, true
	default:
		return zero, false
	}
}

func (b *Buffer[T]) add(delta int) {
	b.mu.Lock()
	b.length += delta
	b.mu.Unlock()
}

// Len returns the approximate number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Slack returns capacity minus the approximate length.
// Advisory only: the scheduler uses it to decide how far ahead to prefetch.
func (b *Buffer[T]) Slack() int {
	return b.capacity - b.Len()
}

// Close marks the buffer closed and wakes every blocked Push and Recv.
// Items still queued are released to the garbage collector. Idempotent.
func (b *Buffer[T]) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
}

// Finish marks the end of the stream. Queued items stay receivable.
// Idempotent; see the Buffer contract for the single-producer requirement.
func (b *Buffer[T]) Finish() {
	b.finishOnce.Do(func() {
		b.finished.Store(true)
		close(b.ch)
	})
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	return b.closed.Load()
}

// Finished reports whether Finish has been called.
func (b *Buffer[T]) Finished() bool {
	return b.finished.Load()
}

// Drained reports whether the stream was finished and every queued item has
// been received. Exact once the producer is done, since only the consumer
// still moves the counter.
func (b *Buffer[T]) Drained() bool {
	return b.finished.Load() && b.Len() == 0
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Capacity: b.capacity,
		Len:      b.Len(),
		Pushed:   b.pushed.Load(),
		Received: b.received.Load(),
		Closed:   b.closed.Load(),
	}
}
