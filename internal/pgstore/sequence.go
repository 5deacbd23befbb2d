package pgstore

import (
	"context"
	"fmt"

	"github.com/user/groupstream/internal/types"
)

const nextSeqSQL = `
INSERT INTO group_counters (group_id, seq) VALUES ($1, 1)
ON CONFLICT (group_id) DO UPDATE SET seq = group_counters.seq + 1
RETURNING seq`

// Sequence allocates group sequence numbers by incrementing one counter row
// per group. The row lock taken by the upsert serialises concurrent callers.
type Sequence struct {
	db DB
}

func NewSequence(db DB) *Sequence {
	return &Sequence{db: db}
}

// Next increments and returns the counter for groupID.
func (s *Sequence) Next(ctx context.Context, groupID types.GroupID) (int64, error) {
	if groupID == "" {
		return 0, types.Invalid("group id is required")
	}
	var seq int64
	if err := s.db.QueryRow(ctx, nextSeqSQL, string(groupID)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate group seq: %w", err)
	}
	return seq, nil
}
