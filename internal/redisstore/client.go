// Package redisstore implements the sequence allocator, run registry, event
// log and work queue on Redis.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/user/groupstream/internal/types"
)

const keyPrefix = "gs:"

// Compile-time interface compliance checks.
var _ types.SequenceAllocator = (*Sequence)(nil)
var _ types.RunRegistry = (*RunStore)(nil)
var _ types.EventLog = (*EventLog)(nil)
var _ types.WorkQueue = (*Queue)(nil)

// Connect parses redisURL, opens a client and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func groupSeqKey(id types.GroupID) string {
	return fmt.Sprintf("%sgroup:%s:seq", keyPrefix, id)
}

func runKey(id types.RunID) string {
	return fmt.Sprintf("%srun:%s", keyPrefix, id)
}

func runStatusKey(status types.RunStatus) string {
	return fmt.Sprintf("%sruns:%s", keyPrefix, status)
}

func eventsKey(id types.RunID) string {
	return fmt.Sprintf("%srun:%s:events", keyPrefix, id)
}

func snapshotKey(id types.RunID) string {
	return fmt.Sprintf("%srun:%s:snapshot", keyPrefix, id)
}

func queueKey(name, part string) string {
	return fmt.Sprintf("%squeue:%s:%s", keyPrefix, name, part)
}
