package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryQueue keeps due tasks in a FIFO slice and parks tasks with a
// future NotBefore on a runtime timer. Safe for concurrent use; tasks do
// not survive the process.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []Task
	capacity int

	ready   chan struct{}
	space   chan struct{}
	delayed atomic.Int64
}

// NewInMemoryQueue returns a queue holding up to capacity due tasks.
// Enqueue blocks while a bounded queue is full. A capacity that is not
// positive means unbounded. Delayed tasks never count against the bound.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	t = prepare(t, now)
	if d := t.NotBefore.Sub(now); d > 0 {
		q.delayed.Add(1)
		time.AfterFunc(d, func() {
			q.mu.Lock()
			q.tasks = append(q.tasks, t)
			q.mu.Unlock()
			q.delayed.Add(-1)
			signal(q.ready)
		})
		return nil
	}
	for {
		q.mu.Lock()
		if q.capacity <= 0 || len(q.tasks) < q.capacity {
			q.tasks = append(q.tasks, t)
			room := q.capacity <= 0 || len(q.tasks) < q.capacity
			q.mu.Unlock()
			signal(q.ready)
			if room {
				signal(q.space)
			}
			return nil
		}
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			q.tasks[0] = Task{}
			q.tasks = q.tasks[1:]
			left := len(q.tasks)
			q.mu.Unlock()
			signal(q.space)
			if left > 0 {
				signal(q.ready)
			}
			return &t, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	n := len(q.tasks)
	q.mu.Unlock()
	return n + int(q.delayed.Load())
}

// signal wakes one waiter on ch, if any, without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
