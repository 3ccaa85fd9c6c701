// ABOUTME: In-process bounded queue and the inline pass-through used when no queue is configured.
// ABOUTME: Publishing to a full memory queue blocks until space frees up or ctx ends.

package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/mimic/internal/transport"
)

// MemoryQueue is a bounded channel of events.
type MemoryQueue struct {
	ch     chan *transport.Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding at most size events.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan *transport.Event, size)}
}

// Publish enqueues ev.
func (q *MemoryQueue) Publish(ctx context.Context, ev *transport.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- ev:
		return nil
	}
}

// Len returns the number of queued events.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume runs workers until ctx is cancelled or the queue is closed and drained.
func (q *MemoryQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-q.ch:
					if !ok {
						return
					}
					_ = h(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close stops accepting events. Queued events are still delivered.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

// ErrNoConsumer is returned by InlineQueue.Publish while nothing is consuming.
var ErrNoConsumer = errors.New("no consumer running")

// InlineQueue hands each event straight to the running consumer on the
// publisher's goroutine.
type InlineQueue struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// NewInlineQueue returns a pass-through queue.
func NewInlineQueue() *InlineQueue {
	return &InlineQueue{}
}

// Publish processes ev synchronously and returns the handler's error.
func (q *InlineQueue) Publish(ctx context.Context, ev *transport.Event) error {
	q.mu.RLock()
	h, closed := q.handler, q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if h == nil {
		return ErrNoConsumer
	}
	return h(ctx, ev)
}

// Consume installs h until ctx is cancelled. workers is ignored.
func (q *InlineQueue) Consume(ctx context.Context, workers int, h Handler) error {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	q.handler = nil
	q.mu.Unlock()
	return ctx.Err()
}

// Close rejects further events.
func (q *InlineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
