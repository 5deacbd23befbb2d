package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/groupstream/internal/hub"
	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

// GroupStreamer replays a group's history from the message store and then
// forwards live hub events.
type GroupStreamer struct {
	hub      *hub.Hub
	messages types.MessageStore
	opts     Options
}

func NewGroupStreamer(h *hub.Hub, messages types.MessageStore, opts Options) *GroupStreamer {
	return &GroupStreamer{hub: h, messages: messages, opts: opts.withDefaults()}
}

// Serve streams messages with seq > afterSeq followed by live events until
// the client goes away. Access to the group must be checked by the caller.
func (s *GroupStreamer) Serve(w http.ResponseWriter, r *http.Request, groupID types.GroupID, afterSeq int64) error {
	ctx := r.Context()

	// Subscribe before replaying so nothing published during the replay is
	// lost; duplicates are filtered by seq.
	sub := s.hub.Subscribe(groupID)
	defer func() { sub.Close() }()

	sw := NewWriter(w, s.opts.WriteTimeout)
	if err := sw.Start(); err != nil {
		return nil
	}
	metrics.OpenStreams.WithLabelValues("group").Inc()
	defer metrics.OpenStreams.WithLabelValues("group").Dec()

	log := slog.With("group_id", groupID)
	log.Debug("group stream opened", "after_seq", afterSeq)

	err := s.follow(ctx, sw, &sub, afterSeq)
	if err != nil && ctx.Err() == nil {
		log.Debug("group stream ended", "error", err)
	}
	return nil
}

func (s *GroupStreamer) follow(ctx context.Context, sw *Writer, sub **hub.Subscription, after int64) error {
	cur := newCursor(after)
	if err := s.replay(ctx, sw, (*sub).GroupID, cur, after); err != nil {
		return err
	}

	interval := s.opts.Keepalive / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-(*sub).Events():
			if !ok {
				if !(*sub).Lagged() {
					return nil
				}
				slog.Debug("group stream lagged, replaying", "group_id", (*sub).GroupID, "after_seq", cur.after)
				*sub = s.hub.Subscribe((*sub).GroupID)
				if err := s.replay(ctx, sw, (*sub).GroupID, cur, cur.resumeFrom()); err != nil {
					return err
				}
				continue
			}
			if ev.Type == types.MessageEventNew && !cur.accept(ev.Seq) {
				continue
			}
			if err := s.send(sw, ev); err != nil {
				return err
			}

		case <-ticker.C:
			if sw.Idle() >= s.opts.Keepalive {
				if err := sw.Comment("ping"); err != nil {
					return err
				}
			}
		}
	}
}

// replay sends stored messages with seq > from that the cursor has not seen,
// in batches until none are left. Deleted messages are included so the
// client can reconcile them.
func (s *GroupStreamer) replay(ctx context.Context, sw *Writer, groupID types.GroupID, cur *cursor, from int64) error {
	for {
		msgs, err := s.messages.List(ctx, types.MessageQuery{
			GroupID:        groupID,
			AfterSeq:       from,
			Forward:        true,
			Limit:          s.opts.BatchSize,
			IncludeDeleted: true,
		})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			from = m.Seq()
			if !cur.accept(from) {
				continue
			}
			ev := &types.MessageEvent{Type: types.MessageEventNew, Seq: from, Message: m}
			if err := s.send(sw, ev); err != nil {
				return err
			}
		}
	}
}

// maxHoles bounds how many skipped seqs a cursor remembers.
const maxHoles = 1024

// cursor tracks which group seqs a stream has sent. Concurrent writers can
// publish seqs out of order, so a seq below the high watermark is still sent
// if it was skipped over earlier.
type cursor struct {
	after int64
	holes map[int64]struct{}
}

func newCursor(after int64) *cursor {
	return &cursor{after: after, holes: make(map[int64]struct{})}
}

// accept reports whether seq has not been sent yet and records it as sent.
func (c *cursor) accept(seq int64) bool {
	if seq <= c.after {
		if _, ok := c.holes[seq]; !ok {
			return false
		}
		delete(c.holes, seq)
		return true
	}
	for missing := max(c.after+1, seq-maxHoles); missing < seq; missing++ {
		c.holes[missing] = struct{}{}
	}
	c.after = seq
	for h := range c.holes {
		if h <= c.after-maxHoles {
			delete(c.holes, h)
		}
	}
	return true
}

// resumeFrom is the seq a store replay must start after so that no hole is
// missed.
func (c *cursor) resumeFrom() int64 {
	from := c.after
	for h := range c.holes {
		if h-1 < from {
			from = h - 1
		}
	}
	return from
}

// send writes ev. New messages carry their seq as the event id; updates carry
// no id so they never move the client's resume point.
func (s *GroupStreamer) send(sw *Writer, ev *types.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	id := ""
	if ev.Type == types.MessageEventNew {
		id = strconv.FormatInt(ev.Seq, 10)
	}
	return sw.Event(id, "message", data)
}
