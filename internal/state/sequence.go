package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/user/groupstream/internal/types"
)

// SequenceStore is a JSON-file-backed per-group counter stored in
// sequences.json. Each increment is persisted before it is returned, so a
// restart resumes after the last issued value. It is only safe for a single
// process; use the Redis or Postgres allocator when instances share groups.
type SequenceStore struct {
	root string
	mu   sync.Mutex
}

// NewSequenceStore creates a SequenceStore rooted at the given directory.
func NewSequenceStore(root string) *SequenceStore {
	return &SequenceStore{root: root}
}

func (s *SequenceStore) path() string {
	return filepath.Join(s.root, "sequences.json")
}

func (s *SequenceStore) load() (map[types.GroupID]int64, error) {
	counters := make(map[types.GroupID]int64)
	if _, err := readJSON(s.path(), &counters); err != nil {
		return nil, err
	}
	return counters, nil
}

// Next increments and returns the counter for groupID.
func (s *SequenceStore) Next(_ context.Context, groupID types.GroupID) (int64, error) {
	if groupID == "" {
		return 0, types.Invalid("group id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.load()
	if err != nil {
		return 0, err
	}
	next := counters[groupID] + 1
	counters[groupID] = next
	if err := writeJSON(s.path(), counters); err != nil {
		return 0, fmt.Errorf("persist sequence: %w", err)
	}
	return next, nil
}

// Current returns the last issued value for groupID, or 0.
func (s *SequenceStore) Current(_ context.Context, groupID types.GroupID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.load()
	if err != nil {
		return 0, err
	}
	return counters[groupID], nil
}
