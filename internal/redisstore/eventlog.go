package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/groupstream/internal/types"
)

// setSnapshotScript replaces the snapshot hash only when the new seq is
// greater than the stored one and not ahead of the event list.
// Returns 1 when written, 0 when ignored, -1 when the seq is ahead of the log.
var setSnapshotScript = redis.NewScript(`
local last = redis.call('LLEN', KEYS[2])
if tonumber(ARGV[1]) > last then
  return -1
end
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'payload', ARGV[2], 'at', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// EventLog stores run events in the list gs:run:{id}:events. The list index
// is the seq: the event at index i has seq i+1. The snapshot lives in the hash
// gs:run:{id}:snapshot. Both keys expire ttl after the last append.
type EventLog struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewEventLog(rdb *redis.Client, ttl time.Duration) *EventLog {
	return &EventLog{rdb: rdb, ttl: ttl, now: time.Now}
}

// Append pushes event and sets its seq to the new list length.
func (e *EventLog) Append(ctx context.Context, event *types.RunEvent) error {
	if event.At.IsZero() {
		event.At = e.now()
	}
	event.Seq = 0
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var push *redis.IntCmd
	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, eventsKey(event.RunID), data)
		if e.ttl > 0 {
			pipe.Expire(ctx, eventsKey(event.RunID), e.ttl)
			pipe.Expire(ctx, snapshotKey(event.RunID), e.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	event.Seq = push.Val()
	return nil
}

// ReadAfter returns up to limit events with seq > afterSeq in ascending order.
func (e *EventLog) ReadAfter(ctx context.Context, id types.RunID, afterSeq int64, limit int) ([]*types.RunEvent, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = afterSeq + int64(limit) - 1
	}
	rows, err := e.rdb.LRange(ctx, eventsKey(id), afterSeq, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]*types.RunEvent, 0, len(rows))
	for i, row := range rows {
		var event types.RunEvent
		if err := json.Unmarshal([]byte(row), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		event.Seq = afterSeq + int64(i) + 1
		events = append(events, &event)
	}
	return events, nil
}

// GetSnapshot returns the run's snapshot or NotFound.
func (e *EventLog) GetSnapshot(ctx context.Context, id types.RunID) (*types.Snapshot, error) {
	fields, err := e.rdb.HGetAll(ctx, snapshotKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, types.NotFound("snapshot")
	}

	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot seq: %w", err)
	}
	snap := &types.Snapshot{RunID: id, Seq: seq, Payload: json.RawMessage(fields["payload"])}
	if at, err := time.Parse(time.RFC3339Nano, fields["at"]); err == nil {
		snap.At = at
	}
	return snap, nil
}

// SetSnapshot replaces the snapshot when snap.Seq is greater than the stored one.
func (e *EventLog) SetSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap.At.IsZero() {
		snap.At = e.now()
	}
	res, err := setSnapshotScript.Run(ctx, e.rdb,
		[]string{snapshotKey(snap.RunID), eventsKey(snap.RunID)},
		snap.Seq, string(snap.Payload), snap.At.Format(time.RFC3339Nano), e.ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set snapshot: %w", err)
	}
	if res < 0 {
		return types.Invalid("snapshot seq %d is ahead of the event log", snap.Seq)
	}
	return nil
}
