// Package queue carries job ids from the API handlers and the scheduler to
// the worker. It is a plain FIFO wakeup channel: all job state lives in the
// job store, so a lost queue entry is recoverable and a duplicate one is
// harmless.
package queue

import (
	"context"
	"sync"
)

// Queue is the hand-off between job producers and the worker.
type Queue interface {
	// Enqueue appends a job id.
	Enqueue(ctx context.Context, jobID int64) error
	// Dequeue blocks until a job id is available or the context ends.
	Dequeue(ctx context.Context) (int64, error)
	// Len returns the number of queued ids, for metrics.
	Len(ctx context.Context) (int64, error)
}

// InMemory implements Queue for tests and the single-process dev mode.
type InMemory struct {
	lock sync.Mutex
	ids  []int64
	wake chan struct{}
}

// NewInMemory returns an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{wake: make(chan struct{}, 1)}
}

func (q *InMemory) Enqueue(_ context.Context, jobID int64) error {
	q.lock.Lock()
	q.ids = append(q.ids, jobID)
	q.lock.Unlock()
	q.signal()
	return nil
}

func (q *InMemory) Dequeue(ctx context.Context) (int64, error) {
	for {
		q.lock.Lock()
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids = q.ids[1:]
			remaining := len(q.ids)
			q.lock.Unlock()
			// Keep other waiters awake while items remain.
			if remaining > 0 {
				q.signal()
			}
			return id, nil
		}
		q.lock.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *InMemory) Len(_ context.Context) (int64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return int64(len(q.ids)), nil
}

func (q *InMemory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
