package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/user/groupstream/internal/types"
)

// Sequence allocates group sequence numbers with INCR. Counter keys carry no
// TTL, so numbering survives restarts and is shared by every instance.
type Sequence struct {
	rdb *redis.Client
}

func NewSequence(rdb *redis.Client) *Sequence {
	return &Sequence{rdb: rdb}
}

// Next increments and returns the counter for groupID.
func (s *Sequence) Next(ctx context.Context, groupID types.GroupID) (int64, error) {
	if groupID == "" {
		return 0, types.Invalid("group id is required")
	}
	seq, err := s.rdb.Incr(ctx, groupSeqKey(groupID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate group seq: %w", err)
	}
	return seq, nil
}
