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

const maxTxRetries = 10

// RunStore keeps RunMeta as JSON at gs:run:{id} with a TTL refreshed on every
// write. Sorted sets gs:runs:{status}, scored by UpdatedAt in milliseconds,
// index runs for the reconciler. Mutations run in WATCH/MULTI transactions.
type RunStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRunStore(rdb *redis.Client, ttl time.Duration) *RunStore {
	return &RunStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func decodeRun(data []byte) (*types.RunMeta, error) {
	var run types.RunMeta
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// write queues the run record and its status index entry on pipe.
func (s *RunStore) write(ctx context.Context, pipe redis.Pipeliner, run *types.RunMeta, oldStatus types.RunStatus) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	pipe.Set(ctx, runKey(run.ID), data, s.ttl)
	if oldStatus != "" && oldStatus != run.Status {
		pipe.ZRem(ctx, runStatusKey(oldStatus), string(run.ID))
	}
	pipe.ZAdd(ctx, runStatusKey(run.Status), redis.Z{
		Score:  float64(run.UpdatedAt.UnixMilli()),
		Member: string(run.ID),
	})
	return nil
}

// Create stores a new run. Creating an existing run is a conflict.
func (s *RunStore) Create(ctx context.Context, run *types.RunMeta) error {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	created, err := s.rdb.SetNX(ctx, runKey(run.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return fmt.Errorf("create run %s: %w", run.ID, types.ErrConflict)
	}
	err = s.rdb.ZAdd(ctx, runStatusKey(run.Status), redis.Z{
		Score:  float64(run.UpdatedAt.UnixMilli()),
		Member: string(run.ID),
	}).Err()
	if err != nil {
		return fmt.Errorf("index run: %w", err)
	}
	return nil
}

// Get returns the run, or NotFound when it is unknown or expired.
func (s *RunStore) Get(ctx context.Context, id types.RunID) (*types.RunMeta, error) {
	data, err := s.rdb.Get(ctx, runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NotFound("run")
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeRun(data)
}

// update runs fn against the current record inside an optimistic transaction.
// fn returns false to leave the record untouched.
func (s *RunStore) update(ctx context.Context, id types.RunID, fn func(*types.RunMeta) bool) (*types.RunMeta, bool, error) {
	key := runKey(id)
	var (
		result  *types.RunMeta
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.NotFound("run")
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return err
		}
		oldStatus := run.Status
		result, changed = run, fn(run)
		if !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, run, oldStatus)
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, changed, nil
	}
	return nil, false, fmt.Errorf("update run %s: too much contention", id)
}

// Transition performs a compare-and-set on the run status.
func (s *RunStore) Transition(ctx context.Context, id types.RunID, from, to types.RunStatus, failure *types.RunFailure) (bool, error) {
	_, ok, err := s.update(ctx, id, func(run *types.RunMeta) bool {
		if run.Status != from {
			return false
		}
		run.ApplyTransition(to, failure, s.now())
		return true
	})
	return ok, err
}

// SetLastSeq records the last event seq written for the run.
func (s *RunStore) SetLastSeq(ctx context.Context, id types.RunID, seq int64) error {
	_, _, err := s.update(ctx, id, func(run *types.RunMeta) bool {
		if seq > run.LastSeq {
			run.LastSeq = seq
		}
		run.UpdatedAt = s.now()
		return true
	})
	return err
}

// RequestCancel sets the cancel flag unconditionally and returns the run.
func (s *RunStore) RequestCancel(ctx context.Context, id types.RunID) (*types.RunMeta, error) {
	run, _, err := s.update(ctx, id, func(run *types.RunMeta) bool {
		if run.CancelRequested {
			return false
		}
		run.CancelRequested = true
		run.UpdatedAt = s.now()
		return true
	})
	return run, err
}

// ListByStatus returns live runs in status last updated before updatedBefore,
// oldest first. Index entries of expired runs are removed along the way.
func (s *RunStore) ListByStatus(ctx context.Context, status types.RunStatus, updatedBefore time.Time, limit int) ([]*types.RunMeta, error) {
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}
	ids, err := s.rdb.ZRangeByScore(ctx, runStatusKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(updatedBefore.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*types.RunMeta, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, types.RunID(id))
		if errors.Is(err, types.ErrNotFound) {
			s.rdb.ZRem(ctx, runStatusKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Status != status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}
