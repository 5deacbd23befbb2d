package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

// RunStreamer tails a run's event log.
type RunStreamer struct {
	runs   types.RunRegistry
	events types.EventLog
	opts   Options
}

func NewRunStreamer(runs types.RunRegistry, events types.EventLog, opts Options) *RunStreamer {
	return &RunStreamer{runs: runs, events: events, opts: opts.withDefaults()}
}

// Serve streams the run's events with seq > afterSeq until a done or error
// event is sent, the run ends with nothing left to read, or the client goes
// away. It returns an error only when nothing has been written yet, so the
// caller can still answer with a regular error response.
func (s *RunStreamer) Serve(w http.ResponseWriter, r *http.Request, runID types.RunID, afterSeq int64) error {
	ctx := r.Context()
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return err
	}

	sw := NewWriter(w, s.opts.WriteTimeout)
	if err := sw.Start(); err != nil {
		return nil
	}
	metrics.OpenStreams.WithLabelValues("run").Inc()
	defer metrics.OpenStreams.WithLabelValues("run").Dec()

	log := slog.With("run_id", runID)
	log.Debug("run stream opened", "after_seq", afterSeq)

	if err := s.tail(ctx, sw, runID, afterSeq); err != nil && ctx.Err() == nil {
		log.Debug("run stream ended", "error", err)
	}
	return nil
}

func (s *RunStreamer) tail(ctx context.Context, sw *Writer, runID types.RunID, after int64) error {
	snap, err := s.events.GetSnapshot(ctx, runID)
	if err == nil && snap.Seq > after {
		if err := sw.Event(strconv.FormatInt(snap.Seq, 10), types.EventSnapshot, snap.Payload); err != nil {
			return err
		}
		after = snap.Seq
	}

	drained := false
	for {
		batch, err := s.events.ReadAfter(ctx, runID, after, s.opts.BatchSize)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			if err := sw.Event(strconv.FormatInt(ev.Seq, 10), ev.Type, ev.Payload); err != nil {
				return err
			}
			after = ev.Seq
			if ev.Type == types.EventDone || ev.Type == types.EventError {
				return nil
			}
		}
		if len(batch) > 0 {
			drained = false
			continue
		}

		// The worker appends the final event before the terminal status, so
		// one more read after seeing a terminal status cannot miss it.
		if drained {
			return nil
		}
		meta, err := s.runs.Get(ctx, runID)
		if err != nil {
			return err
		}
		if meta.Status.IsTerminal() {
			drained = true
			continue
		}

		if sw.Idle() >= s.opts.Keepalive {
			if err := sw.Comment("ping"); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.Idle):
		}
	}
}
