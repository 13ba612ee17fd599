package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	kit "notifycore/internal/transport"
)

var (
	ErrQueueFull   = errors.New("delivery queue full")
	ErrQueueClosed = errors.New("delivery queue closed")
)

// Queue is a bounded FIFO for one lane. Producers never block; Pop waits
// with a timeout. After Close, Pop keeps returning items until the queue is
// empty and then reports ErrQueueClosed.
type Queue struct {
	lane kit.Lane
	cap  int

	mu     sync.Mutex
	items  []*kit.Notification
	closed bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewQueue(lane kit.Lane, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{lane: lane, cap: capacity, signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *Queue) Lane() kit.Lane { return q.lane }

// Push appends n, failing fast when the lane is full or closed.
func (q *Queue) Push(n *kit.Notification) error {
	return q.push(n, false)
}

// Requeue appends n even when the lane is at capacity. It is used for items
// that already held a slot (not-yet-due items and retries).
func (q *Queue) Requeue(n *kit.Notification) error {
	return q.push(n, true)
}

func (q *Queue) push(n *kit.Notification, force bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !force && len(q.items) >= q.cap {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, n)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the head item. It returns (nil, nil) when timeout elapses with
// the queue still empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*kit.Notification, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Let another consumer of the same lane proceed.
				q.wake()
			}
			return n, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			timer = nil
			return nil, nil
		case <-q.signal:
		case <-q.done:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops intake. Queued items stay poppable.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}
