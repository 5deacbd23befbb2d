// Package runtime executes queued runs.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/groupstream/internal/gateway"
	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

const (
	DefaultWorkers            = 4
	DefaultDequeueTimeout     = time.Second
	DefaultCancelPollInterval = 250 * time.Millisecond
	DefaultSnapshotEvery      = 20
	DefaultHeartbeat          = 30 * time.Second
)

// Publisher announces changed group messages. *hub.Hub satisfies it.
type Publisher interface {
	PublishUpdated(msg *types.Message)
}

// Options tunes the worker pool.
type Options struct {
	Workers            int
	DequeueTimeout     time.Duration
	CancelPollInterval time.Duration
	SnapshotEvery      int
	// Heartbeat is how often a busy worker touches its run so the
	// reconciler does not consider it lost.
	Heartbeat time.Duration
	// Retry governs writing a run's terminal event.
	Retry *gateway.RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = DefaultDequeueTimeout
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = DefaultCancelPollInterval
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = DefaultSnapshotEvery
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.Retry == nil {
		o.Retry = gateway.DefaultRetryPolicy()
	}
	return o
}

// Deps are the stores a Pool works against.
type Deps struct {
	Runs     types.RunRegistry
	Events   types.EventLog
	Queue    types.WorkQueue
	Messages types.MessageStore
	Hub      Publisher
	Registry *Registry
}

// Pool runs a fixed number of workers that compete for queued runs.
type Pool struct {
	runs     types.RunRegistry
	events   types.EventLog
	queue    types.WorkQueue
	messages types.MessageStore
	hub      Publisher
	registry *Registry
	opts     Options

	active atomic.Int64
	now    func() time.Time
}

// NewPool creates a worker pool.
func NewPool(d Deps, opts Options) *Pool {
	return &Pool{
		runs:     d.Runs,
		events:   d.Events,
		queue:    d.Queue,
		messages: d.Messages,
		hub:      d.Hub,
		registry: d.Registry,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current run.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool starting", "workers", p.opts.Workers, "kinds", p.registry.Kinds())
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

// Active returns the number of runs being processed.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (p *Pool) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if p.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	log := slog.With("worker", worker)
	for ctx.Err() == nil {
		item, err := p.queue.Dequeue(ctx, p.opts.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.QueueDequeues.WithLabelValues("error").Inc()
			log.Error("dequeue failed", "error", err)
			sleep(ctx, p.opts.DequeueTimeout)
			continue
		}
		if item == nil {
			continue
		}

		outcome := p.Process(ctx, item)
		metrics.QueueDequeues.WithLabelValues(outcome).Inc()

		if err := p.queue.Ack(context.WithoutCancel(ctx), item); err != nil {
			log.Error("ack failed", "run_id", item.RunID, "error", err)
		}
	}
}

// Process executes one dequeued item and reports "processed" or "skipped".
// Items whose run is gone or already owned are skipped; redelivered items
// are harmless.
func (p *Pool) Process(ctx context.Context, item *types.WorkItem) string {
	log := slog.With("run_id", item.RunID)

	meta, err := p.runs.Get(ctx, item.RunID)
	if errors.Is(err, types.ErrNotFound) {
		log.Debug("run expired before processing")
		return "skipped"
	}
	if err != nil {
		log.Error("load run failed", "error", err)
		return "skipped"
	}

	ok, err := p.runs.Transition(ctx, meta.ID, types.RunStatusQueued, types.RunStatusProcessing, nil)
	if err != nil {
		log.Error("claim run failed", "error", err)
		return "skipped"
	}
	if !ok {
		log.Debug("run already claimed", "status", meta.Status)
		return "skipped"
	}
	meta.Status = types.RunStatusProcessing

	p.active.Add(1)
	defer p.active.Add(-1)

	e := &execution{pool: p, meta: meta, log: log, started: p.now()}
	e.run(ctx)
	return "processed"
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
