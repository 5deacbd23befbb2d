package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

const (
	DefaultReconcileGrace = 30 * time.Second
	DefaultStaleAfter     = 10 * time.Minute
	reconcileBatch        = 500
)

// Reconciler repairs runs the queue lost track of: queued runs that were
// never enqueued or whose item vanished, and processing runs whose worker
// died.
type Reconciler struct {
	runs       types.RunRegistry
	events     types.EventLog
	queue      types.WorkQueue
	grace      time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(runs types.RunRegistry, events types.EventLog, queue types.WorkQueue, grace, staleAfter time.Duration) *Reconciler {
	if grace <= 0 {
		grace = DefaultReconcileGrace
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		runs:       runs,
		events:     events,
		queue:      queue,
		grace:      grace,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (requeued, failed int, err error) {
	now := r.now()

	queued, err := r.runs.ListByStatus(ctx, types.RunStatusQueued, now.Add(-r.grace), reconcileBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("list queued runs: %w", err)
	}
	for _, run := range queued {
		ok, err := r.queue.Has(ctx, run.ID)
		if err != nil {
			return requeued, failed, err
		}
		if ok {
			continue
		}
		if err := r.queue.Enqueue(ctx, &types.WorkItem{Kind: run.Kind, RunID: run.ID, EnqueuedAt: now}); err != nil {
			return requeued, failed, fmt.Errorf("requeue run %s: %w", run.ID, err)
		}
		requeued++
		metrics.RunsReconciled.WithLabelValues("requeued").Inc()
		slog.Info("requeued orphaned run", "run_id", run.ID, "age", now.Sub(run.CreatedAt))
	}

	stale, err := r.runs.ListByStatus(ctx, types.RunStatusProcessing, now.Add(-r.staleAfter), reconcileBatch)
	if err != nil {
		return requeued, failed, fmt.Errorf("list processing runs: %w", err)
	}
	for _, run := range stale {
		ok, err := r.failLost(ctx, run)
		if err != nil {
			return requeued, failed, err
		}
		if ok {
			failed++
			metrics.RunsReconciled.WithLabelValues("failed").Inc()
		}
	}
	return requeued, failed, nil
}

func (r *Reconciler) failLost(ctx context.Context, run *types.RunMeta) (bool, error) {
	const message = "worker stopped responding"
	data, _ := json.Marshal(types.ErrorPayload{Type: types.EventError, ErrorCode: types.CodeWorkerLost, ErrorMessage: message})
	ev := &types.RunEvent{RunID: run.ID, Type: types.EventError, Payload: data, At: r.now()}
	if err := r.events.Append(ctx, ev); err != nil {
		return false, fmt.Errorf("append error event for run %s: %w", run.ID, err)
	}
	if err := r.runs.SetLastSeq(ctx, run.ID, ev.Seq); err != nil {
		slog.Warn("record last seq failed", "run_id", run.ID, "error", err)
	}
	ok, err := r.runs.Transition(ctx, run.ID, types.RunStatusProcessing, types.RunStatusError,
		&types.RunFailure{Code: types.CodeWorkerLost, Message: message})
	if err != nil {
		return false, fmt.Errorf("fail run %s: %w", run.ID, err)
	}
	if ok {
		slog.Warn("failed lost run", "run_id", run.ID, "idle", r.now().Sub(run.UpdatedAt))
	}
	return ok, nil
}
