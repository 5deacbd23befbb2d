package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/groupstream/internal/types"
)

// Queue is an in-process WorkQueue backed by a buffered channel.
// Entries do not survive a restart; the RunRegistry is the durable record and
// the reconciler re-enqueues Queued runs that are missing from the queue.
type Queue struct {
	items chan *types.WorkItem

	mu       sync.Mutex
	pending  map[types.RunID]int
	inflight map[string]types.RunID
	receipts atomic.Int64
}

// NewQueue creates a Queue holding at most capacity pending items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		items:    make(chan *types.WorkItem, capacity),
		pending:  make(map[types.RunID]int),
		inflight: make(map[string]types.RunID),
	}
}

// Enqueue adds an item. A run that is already pending is not added twice.
// Returns ErrQueueFull when the buffer is full.
func (q *Queue) Enqueue(_ context.Context, item *types.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[item.RunID] > 0 {
		return nil
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	cp := *item
	cp.Receipt = ""
	select {
	case q.items <- &cp:
		q.pending[item.RunID]++
		return nil
	default:
		return fmt.Errorf("enqueue run %s: %w", item.RunID, types.ErrQueueFull)
	}
}

// Dequeue blocks until an item is available, the timeout elapses (nil, nil)
// or ctx is done.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.WorkItem, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		q.mu.Lock()
		if q.pending[item.RunID] <= 1 {
			delete(q.pending, item.RunID)
		} else {
			q.pending[item.RunID]--
		}
		item.Receipt = string(item.RunID) + "#" + strconv.FormatInt(q.receipts.Add(1), 10)
		q.inflight[item.Receipt] = item.RunID
		q.mu.Unlock()
		return item, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack releases a dequeued item.
func (q *Queue) Ack(_ context.Context, item *types.WorkItem) error {
	q.mu.Lock()
	delete(q.inflight, item.Receipt)
	q.mu.Unlock()
	return nil
}

// Has reports whether the run is pending or being processed.
func (q *Queue) Has(_ context.Context, runID types.RunID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[runID] > 0 {
		return true, nil
	}
	for _, id := range q.inflight {
		if id == runID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.items)
}
