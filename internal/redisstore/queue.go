package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/groupstream/internal/types"
)

// Queue is a reliable Redis list queue. Enqueue pushes onto the pending list,
// Dequeue atomically moves the oldest item onto the processing list and Ack
// removes it from there. Items left in processing by a crashed instance are
// moved back by Recover. A hash maps each pending or in-flight run to its
// queued payload.
type Queue struct {
	rdb  *redis.Client
	name string
}

func NewQueue(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = "runs"
	}
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) pendingKey() string    { return queueKey(q.name, "pending") }
func (q *Queue) processingKey() string { return queueKey(q.name, "processing") }
func (q *Queue) indexKey() string      { return queueKey(q.name, "index") }

// enqueueScript records the run and pushes its payload in one step. It
// returns 0 when the run is already pending or in flight.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// hasScript reports whether the run's payload is on either list. An index
// entry whose payload is on neither list is stale and removed.
var hasScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
if redis.call('LPOS', KEYS[2], raw) or redis.call('LPOS', KEYS[3], raw) then
  return 1
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 0
`)

// Enqueue adds an item unless the run is already pending or in flight.
func (q *Queue) Enqueue(ctx context.Context, item *types.WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	keys := []string{q.indexKey(), q.pendingKey()}
	if err := enqueueScript.Run(ctx, q.rdb, keys, string(item.RunID), data).Err(); err != nil {
		return fmt.Errorf("enqueue run %s: %w", item.RunID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for an item. It returns (nil, nil) on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.WorkItem, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	raw, err := q.rdb.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var item types.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		q.drop(ctx, raw)
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	item.Receipt = raw
	return &item, nil
}

// drop removes an unreadable item from processing and, when its run id can
// still be read, from the index. Otherwise Has clears the index entry.
func (q *Queue) drop(ctx context.Context, raw string) {
	var ref struct {
		RunID types.RunID `json:"runId"`
	}
	_, _ = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		if json.Unmarshal([]byte(raw), &ref) == nil && ref.RunID != "" {
			pipe.HDel(ctx, q.indexKey(), string(ref.RunID))
		}
		return nil
	})
}

// Ack removes a dequeued item from the processing list.
func (q *Queue) Ack(ctx context.Context, item *types.WorkItem) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, item.Receipt)
		pipe.HDel(ctx, q.indexKey(), string(item.RunID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack run %s: %w", item.RunID, err)
	}
	return nil
}

// Has reports whether the run is pending or in flight.
func (q *Queue) Has(ctx context.Context, runID types.RunID) (bool, error) {
	keys := []string{q.indexKey(), q.pendingKey(), q.processingKey()}
	n, err := hasScript.Run(ctx, q.rdb, keys, string(runID)).Int()
	if err != nil {
		return false, fmt.Errorf("queue membership: %w", err)
	}
	return n == 1, nil
}

// Recover moves every in-flight item back to the front of the pending list.
// Call it once at startup before workers begin dequeuing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.processingKey(), q.pendingKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover queue: %w", err)
		}
		moved++
	}
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.pendingKey()).Result()
}
