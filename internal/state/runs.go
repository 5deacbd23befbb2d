package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/user/groupstream/internal/types"
)

// RunStore is a JSON-file-backed RunRegistry.
// Each run is stored in runs/<runID>/meta.json. A run expires ttl after its
// last write; expired runs read as not found.
type RunStore struct {
	root  string
	ttl   time.Duration
	locks lockMap
	now   func() time.Time
}

// NewRunStore creates a RunStore rooted at the given directory.
func NewRunStore(root string, ttl time.Duration) *RunStore {
	return &RunStore{root: root, ttl: ttl, now: time.Now}
}

func (s *RunStore) runDir(id types.RunID) string {
	return filepath.Join(s.root, "runs", string(id))
}

func (s *RunStore) metaPath(id types.RunID) string {
	return filepath.Join(s.runDir(id), "meta.json")
}

func (s *RunStore) expired(run *types.RunMeta) bool {
	return s.ttl > 0 && s.now().Sub(run.UpdatedAt) > s.ttl
}

// load reads a run. Caller must hold the run lock.
func (s *RunStore) load(id types.RunID) (*types.RunMeta, error) {
	if !safeName(string(id)) {
		return nil, types.NotFound("run")
	}
	var run types.RunMeta
	ok, err := readJSON(s.metaPath(id), &run)
	if err != nil {
		return nil, err
	}
	if !ok || s.expired(&run) {
		return nil, types.NotFound("run")
	}
	return &run, nil
}

func (s *RunStore) save(run *types.RunMeta) error {
	return writeJSON(s.metaPath(run.ID), run)
}

// Create persists a new run. Creating an existing run is a conflict.
func (s *RunStore) Create(_ context.Context, run *types.RunMeta) error {
	if !safeName(string(run.ID)) {
		return types.Invalid("invalid run id %q", run.ID)
	}
	lock := s.locks.get(string(run.ID))
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.load(run.ID); err == nil {
		return fmt.Errorf("create run %s: %w", run.ID, types.ErrConflict)
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	return s.save(run)
}

// Get returns the run with the given ID.
func (s *RunStore) Get(_ context.Context, id types.RunID) (*types.RunMeta, error) {
	lock := s.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	return s.load(id)
}

// Transition performs a compare-and-set on the run status.
func (s *RunStore) Transition(_ context.Context, id types.RunID, from, to types.RunStatus, failure *types.RunFailure) (bool, error) {
	lock := s.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(id)
	if err != nil {
		return false, err
	}
	if run.Status != from {
		return false, nil
	}
	run.ApplyTransition(to, failure, s.now())
	if err := s.save(run); err != nil {
		return false, err
	}
	return true, nil
}

// SetLastSeq records the last EventLog seq written for the run.
func (s *RunStore) SetLastSeq(_ context.Context, id types.RunID, seq int64) error {
	lock := s.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(id)
	if err != nil {
		return err
	}
	if seq > run.LastSeq {
		run.LastSeq = seq
	}
	run.UpdatedAt = s.now()
	return s.save(run)
}

// RequestCancel sets the cancel flag unconditionally and returns the run.
func (s *RunStore) RequestCancel(_ context.Context, id types.RunID) (*types.RunMeta, error) {
	lock := s.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if run.CancelRequested {
		return run, nil
	}
	run.CancelRequested = true
	run.UpdatedAt = s.now()
	if err := s.save(run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListByStatus returns live runs in status whose last update is before
// updatedBefore, oldest first.
func (s *RunStore) ListByStatus(_ context.Context, status types.RunStatus, updatedBefore time.Time, limit int) ([]*types.RunMeta, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "runs", "*", "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("glob runs: %w", err)
	}

	var runs []*types.RunMeta
	for _, path := range matches {
		var run types.RunMeta
		ok, err := readJSON(path, &run)
		if err != nil || !ok {
			continue
		}
		if run.Status != status || s.expired(&run) || !run.UpdatedAt.Before(updatedBefore) {
			continue
		}
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.Before(runs[j].UpdatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Purge removes run directories whose metadata has expired, along with their
// event logs. onRemove, if set, is called with each removed run ID.
// It returns the number of runs removed.
func (s *RunStore) Purge(_ context.Context, onRemove func(types.RunID)) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "runs", "*", "meta.json"))
	if err != nil {
		return 0, fmt.Errorf("glob runs: %w", err)
	}

	removed := 0
	for _, path := range matches {
		id := types.RunID(filepath.Base(filepath.Dir(path)))
		lock := s.locks.get(string(id))
		lock.Lock()
		var run types.RunMeta
		ok, err := readJSON(path, &run)
		if err == nil && ok && s.expired(&run) {
			if err := os.RemoveAll(s.runDir(id)); err == nil {
				removed++
				if onRemove != nil {
					onRemove(id)
				}
			}
		}
		lock.Unlock()
	}
	return removed, nil
}
