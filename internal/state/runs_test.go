package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/groupstream/internal/types"
)

func newQueuedRun() *types.RunMeta {
	return &types.RunMeta{
		ID:                 types.NewRunID(),
		Kind:               types.KindChat,
		Status:             types.RunStatusQueued,
		GroupID:            "g1",
		CreatedBy:          "u1",
		UserMessageID:      types.NewMessageID(),
		AssistantMessageID: types.NewMessageID(),
	}
}

func TestRunStoreCreateGet(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	run := newQueuedRun()
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, run); !errors.Is(err, types.ErrConflict) {
		t.Errorf("expected conflict on duplicate create, got %v", err)
	}

	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.RunStatusQueued || got.AssistantMessageID != run.AssistantMessageID {
		t.Errorf("unexpected run %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRunStoreExpiredIsNotFound(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Minute)
	ctx := context.Background()

	run := newQueuedRun()
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := store.Get(ctx, run.ID)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected expired run to be not found, got %v", err)
	}
	if types.MessageOf(err) != "run not found" {
		t.Errorf("expected the unknown-run message, got %q", types.MessageOf(err))
	}

	var forgotten []types.RunID
	n, err := store.Purge(ctx, func(id types.RunID) { forgotten = append(forgotten, id) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged run, got %d", n)
	}
	if len(forgotten) != 1 || forgotten[0] != run.ID {
		t.Errorf("expected callback for %s, got %v", run.ID, forgotten)
	}
}

func TestRunStoreTransition(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	run := newQueuedRun()
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Transition(ctx, run.ID, types.RunStatusQueued, types.RunStatusProcessing, nil)
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed, got %v %v", ok, err)
	}
	ok, err = store.Transition(ctx, run.ID, types.RunStatusQueued, types.RunStatusProcessing, nil)
	if err != nil || ok {
		t.Fatalf("expected second transition to lose, got %v %v", ok, err)
	}

	failure := &types.RunFailure{Code: types.CodeUpstreamFailure, Message: "boom"}
	ok, err = store.Transition(ctx, run.ID, types.RunStatusProcessing, types.RunStatusError, failure)
	if err != nil || !ok {
		t.Fatalf("expected error transition, got %v %v", ok, err)
	}

	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt on terminal run")
	}
	if got.ErrorCode != types.CodeUpstreamFailure || got.ErrorMessage != "boom" {
		t.Errorf("unexpected failure %q %q", got.ErrorCode, got.ErrorMessage)
	}
}

func TestRunStoreSingleOwnership(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	run := newQueuedRun()
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Transition(ctx, run.ID, types.RunStatusQueued, types.RunStatusProcessing, nil)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestRunStoreCancelAfterDone(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	run := newQueuedRun()
	run.Status = types.RunStatusDone
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CancelRequested {
		t.Error("expected cancel flag to be set")
	}
	if got.Status != types.RunStatusDone {
		t.Errorf("expected status to stay done, got %s", got.Status)
	}
	ok, err := store.Transition(ctx, run.ID, types.RunStatusProcessing, types.RunStatusCancelled, nil)
	if err != nil || ok {
		t.Errorf("terminal run must not transition, got %v %v", ok, err)
	}
}

func TestRunStoreSetLastSeq(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	run := newQueuedRun()
	if err := store.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	for _, seq := range []int64{3, 7, 5} {
		if err := store.SetLastSeq(ctx, run.ID, seq); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeq != 7 {
		t.Errorf("expected last seq 7, got %d", got.LastSeq)
	}
}

func TestRunStoreListByStatus(t *testing.T) {
	store := NewRunStore(t.TempDir(), time.Hour)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Second
		store.now = func() time.Time { return base.Add(offset) }
		if err := store.Create(ctx, newQueuedRun()); err != nil {
			t.Fatal(err)
		}
	}
	store.now = func() time.Time { return base.Add(5 * time.Second) }

	runs, err := store.ListByStatus(ctx, types.RunStatusQueued, base.Add(1500*time.Millisecond), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs older than the cutoff, got %d", len(runs))
	}
	if !runs[0].UpdatedAt.Before(runs[1].UpdatedAt) {
		t.Error("expected oldest first")
	}

	runs, err = store.ListByStatus(ctx, types.RunStatusProcessing, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no processing runs, got %d", len(runs))
	}
}

func TestRunStorePurge(t *testing.T) {
	dir := t.TempDir()
	store := NewRunStore(dir, time.Hour)
	ctx := context.Background()

	old := newQueuedRun()
	if err := store.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	fresh := newQueuedRun()
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	var removed []types.RunID
	n, err := store.Purge(ctx, func(id types.RunID) { removed = append(removed, id) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(removed) != 1 || removed[0] != old.ID {
		t.Fatalf("expected only %s purged, got %d %v", old.ID, n, removed)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh run should survive purge: %v", err)
	}
}
