package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

// execution drives a single claimed run to a terminal status. It is the
// only writer of the run's event log.
type execution struct {
	pool    *Pool
	meta    *types.RunMeta
	log     *slog.Logger
	started time.Time

	text    strings.Builder
	deltas  int
	lastSeq int64

	// final is set once finishing starts; recorded once the terminal event
	// is in the log.
	final    bool
	recorded bool
	status   types.RunStatus
	failure  *types.RunFailure
}

func (e *execution) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("run panicked", "panic", r)
			if !e.final {
				e.fail(ctx, types.CodeInternal, "internal error")
				return
			}
			e.settle(context.WithoutCancel(ctx))
		}
	}()

	if e.meta.CancelRequested {
		e.cancelled(ctx)
		return
	}

	pipeline, ok := e.pool.registry.Get(e.meta.Kind)
	if !ok {
		e.fail(ctx, types.CodeUnknownKind, fmt.Sprintf("no pipeline for run kind %q", e.meta.Kind))
		return
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	chunks, err := pipeline.Produce(runCtx, e.meta)
	if err != nil {
		code := types.CodeOf(err)
		if code == types.CodeInternal {
			code = types.CodeUpstreamFailure
		}
		e.fail(ctx, code, types.MessageOf(err))
		return
	}

	poll := time.NewTicker(e.pool.opts.CancelPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(e.pool.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			stop()
			e.fail(ctx, types.CodeWorkerShutdown, "worker shut down before the run finished")
			return

		case <-poll.C:
			if e.cancelRequested(ctx) {
				stop()
				e.cancelled(ctx)
				return
			}

		case <-heartbeat.C:
			if err := e.pool.runs.SetLastSeq(ctx, e.meta.ID, e.lastSeq); err != nil {
				e.log.Warn("heartbeat failed", "error", err)
			}

		case chunk, ok := <-chunks:
			if !ok {
				e.fail(ctx, types.CodeUpstreamIncomplete, "producer ended without a final result")
				return
			}
			if e.handle(ctx, chunk) {
				return
			}
		}
	}
}

// handle applies one chunk and reports whether the run is finished.
func (e *execution) handle(ctx context.Context, chunk Chunk) bool {
	switch chunk.Type {
	case ChunkDelta:
		if chunk.Content == "" {
			return false
		}
		if e.deltas == 0 && e.cancelRequested(ctx) {
			e.cancelled(ctx)
			return true
		}
		if err := e.append(ctx, types.EventDelta, types.DeltaPayload{Type: types.EventDelta, Content: chunk.Content}); err != nil {
			e.fail(ctx, types.CodeInternal, "could not record output")
			return true
		}
		e.text.WriteString(chunk.Content)
		e.deltas++
		if e.deltas%e.pool.opts.SnapshotEvery == 0 {
			e.snapshot(ctx)
		}
		return false

	case ChunkDone:
		if e.cancelRequested(ctx) {
			e.cancelled(ctx)
			return true
		}
		content := chunk.Content
		if content == "" {
			content = e.text.String()
		}
		e.done(ctx, content, chunk.Usage)
		return true

	case ChunkError:
		code := chunk.ErrorCode
		if code == "" {
			code = types.CodeUpstreamFailure
		}
		e.fail(ctx, code, chunk.ErrorMessage)
		return true

	default:
		e.log.Warn("ignoring unknown chunk type", "type", chunk.Type)
		return false
	}
}

func (e *execution) cancelRequested(ctx context.Context) bool {
	meta, err := e.pool.runs.Get(ctx, e.meta.ID)
	if err != nil {
		e.log.Warn("cancel check failed", "error", err)
		return false
	}
	return meta.CancelRequested
}

func (e *execution) append(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := &types.RunEvent{RunID: e.meta.ID, Type: eventType, Payload: data, At: e.pool.now()}
	if err := e.pool.events.Append(ctx, ev); err != nil {
		e.log.Error("append event failed", "type", eventType, "error", err)
		return err
	}
	e.lastSeq = ev.Seq
	metrics.EventsAppended.WithLabelValues(eventType).Inc()
	return nil
}

// snapshot consolidates the text so far and shows it on the assistant
// message. Failures only cost late joiners a longer replay.
func (e *execution) snapshot(ctx context.Context) {
	content := e.text.String()
	data, _ := json.Marshal(types.SnapshotPayload{Type: types.EventSnapshot, Content: content, Seq: e.lastSeq})
	err := e.pool.events.SetSnapshot(ctx, &types.Snapshot{RunID: e.meta.ID, Seq: e.lastSeq, Payload: data, At: e.pool.now()})
	if err != nil {
		e.log.Warn("snapshot failed", "seq", e.lastSeq, "error", err)
	}
	if err := e.pool.runs.SetLastSeq(ctx, e.meta.ID, e.lastSeq); err != nil {
		e.log.Warn("record last seq failed", "error", err)
	}
	e.updateMessage(ctx, content, nil)
}

func (e *execution) updateMessage(ctx context.Context, content string, usage *types.TokenUsage) {
	if e.meta.AssistantMessageID == "" {
		return
	}
	msg, err := e.pool.messages.UpdateContent(ctx, e.meta.AssistantMessageID, content, usage)
	if err != nil {
		e.log.Warn("update assistant message failed", "message_id", e.meta.AssistantMessageID, "error", err)
		return
	}
	if msg.GroupID != "" {
		e.pool.hub.PublishUpdated(msg)
	}
}

func (e *execution) done(ctx context.Context, content string, usage *types.TokenUsage) {
	e.finish(ctx, types.RunStatusDone, nil, func(ctx context.Context) {
		e.updateMessage(ctx, content, usage)
	}, types.EventDone, types.DonePayload{
		Type:      types.EventDone,
		MessageID: e.meta.AssistantMessageID,
		Content:   content,
		Usage:     usage,
	})
}

func (e *execution) cancelled(ctx context.Context) {
	content := e.text.String()
	e.finish(ctx, types.RunStatusCancelled, nil, func(ctx context.Context) {
		if content != "" {
			e.updateMessage(ctx, content, nil)
		}
	}, types.EventDone, types.DonePayload{
		Type:      types.EventDone,
		MessageID: e.meta.AssistantMessageID,
		Content:   content,
		Cancelled: true,
	})
}

// fail records an error event before moving the run to the error status.
func (e *execution) fail(ctx context.Context, code, message string) {
	if message == "" {
		message = code
	}
	content := e.text.String()
	e.finish(ctx, types.RunStatusError, &types.RunFailure{Code: code, Message: message}, func(ctx context.Context) {
		if content != "" {
			e.updateMessage(ctx, content, nil)
		}
	}, types.EventError, types.ErrorPayload{
		Type:         types.EventError,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// finish updates the assistant message, appends the terminal event and then
// moves the run to its terminal status. It runs at most once and survives
// cancellation of ctx. If the terminal event cannot be written the run stays
// in processing and the reconciler fails it as lost.
func (e *execution) finish(ctx context.Context, status types.RunStatus, failure *types.RunFailure,
	update func(context.Context), eventType string, payload any) {
	if e.final {
		return
	}
	e.final = true
	e.status, e.failure = status, failure
	ctx = context.WithoutCancel(ctx)

	update(ctx)
	if err := e.appendTerminal(ctx, eventType, payload); err != nil {
		e.log.Error("terminal event not recorded, leaving run to the reconciler", "status", status, "error", err)
		return
	}
	e.settle(ctx)
}

// appendTerminal writes the final event, retrying store failures.
func (e *execution) appendTerminal(ctx context.Context, eventType string, payload any) error {
	err := e.pool.opts.Retry.Do(ctx, func() error {
		return e.append(ctx, eventType, payload)
	})
	if err == nil {
		e.recorded = true
	}
	return err
}

// settle moves the run out of processing. Without a recorded terminal event
// it first writes an internal error so streams always see how the run ended.
func (e *execution) settle(ctx context.Context) {
	if !e.recorded {
		e.status = types.RunStatusError
		e.failure = &types.RunFailure{Code: types.CodeInternal, Message: "internal error"}
		err := e.appendTerminal(ctx, types.EventError, types.ErrorPayload{
			Type:         types.EventError,
			ErrorCode:    e.failure.Code,
			ErrorMessage: e.failure.Message,
		})
		if err != nil {
			e.log.Error("terminal event not recorded, leaving run to the reconciler", "error", err)
			return
		}
	}

	if err := e.pool.runs.SetLastSeq(ctx, e.meta.ID, e.lastSeq); err != nil {
		e.log.Warn("record last seq failed", "error", err)
	}
	ok, err := e.pool.runs.Transition(ctx, e.meta.ID, types.RunStatusProcessing, e.status, e.failure)
	switch {
	case err != nil:
		e.log.Error("finalize run failed", "status", e.status, "error", err)
	case !ok:
		e.log.Warn("run left processing before it finished", "status", e.status)
	}

	metrics.RunsFinished.WithLabelValues(string(e.meta.Kind), string(e.status)).Inc()
	metrics.RunDuration.WithLabelValues(string(e.meta.Kind)).Observe(e.pool.now().Sub(e.started).Seconds())

	attrs := []any{"status", e.status, "last_seq", e.lastSeq, "duration", e.pool.now().Sub(e.started)}
	if e.failure != nil {
		attrs = append(attrs, "error_code", e.failure.Code, "error", e.failure.Message)
	}
	e.log.Info("run finished", attrs...)
}
