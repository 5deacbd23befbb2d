// Package hub fans group message events out to connected subscribers.
// It keeps no history: a subscriber only sees events published while it is
// attached, and recovers anything else from the message store.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

const DefaultBuffer = 64

// Subscription is one reader attached to a group.
type Subscription struct {
	GroupID types.GroupID

	ch     chan *types.MessageEvent
	hub    *Hub
	lagged atomic.Bool
	once   sync.Once
}

// Events returns the channel of live events. It is closed when the
// subscription is closed or dropped for falling behind.
func (s *Subscription) Events() <-chan *types.MessageEvent {
	return s.ch
}

// Lagged reports whether the hub dropped this subscription because its
// buffer was full. The reader must resynchronise from the store.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

type group struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Hub is an in-process publish/subscribe fan-out keyed by group.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	groups map[types.GroupID]*group
}

// New creates a Hub whose subscriptions buffer up to buffer events.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		groups: make(map[types.GroupID]*group),
	}
}

// Subscribe attaches a new reader to groupID.
func (h *Hub) Subscribe(groupID types.GroupID) *Subscription {
	sub := &Subscription{
		GroupID: groupID,
		ch:      make(chan *types.MessageEvent, h.buffer),
		hub:     h,
	}

	h.mu.Lock()
	g, ok := h.groups[groupID]
	if !ok {
		g = &group{subs: make(map[*Subscription]struct{})}
		h.groups[groupID] = g
	}
	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()
	h.mu.Unlock()

	metrics.HubSubscribers.Inc()
	return sub
}

// remove detaches sub and closes its channel exactly once.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[sub.GroupID]
	if !ok {
		return
	}
	g.mu.Lock()
	h.detach(g, sub)
	empty := len(g.subs) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, sub.GroupID)
	}
}

// detach removes sub from g. Caller must hold g.mu.
func (h *Hub) detach(g *group, sub *Subscription) {
	if _, ok := g.subs[sub]; !ok {
		return
	}
	delete(g.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
	metrics.HubSubscribers.Dec()
}

// Publish announces a new message. The message must carry a group sequence.
func (h *Hub) Publish(msg *types.Message) {
	h.publish(types.MessageEventNew, msg)
}

// PublishUpdated announces a change to an already published message, such as
// new content or a soft delete. The event reuses the message's sequence.
func (h *Hub) PublishUpdated(msg *types.Message) {
	h.publish(types.MessageEventUpdated, msg)
}

// publish never blocks: a subscriber whose buffer is full is dropped and
// marked lagged.
func (h *Hub) publish(eventType string, msg *types.Message) {
	if msg == nil || msg.GroupID == "" || msg.GroupSeq == nil {
		slog.Debug("hub: ignoring message without group sequence", "type", eventType)
		return
	}
	cp := *msg
	event := &types.MessageEvent{Type: eventType, Seq: cp.Seq(), Message: &cp}
	metrics.HubPublished.WithLabelValues(eventType).Inc()

	h.mu.RLock()
	g, ok := h.groups[msg.GroupID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		select {
		case sub.ch <- event:
		default:
			sub.lagged.Store(true)
			h.detach(g, sub)
			metrics.HubDropped.Inc()
			slog.Warn("hub: dropped lagging subscriber", "group_id", string(msg.GroupID), "seq", event.Seq)
		}
	}
}

// Subscribers returns the number of readers attached to groupID.
func (h *Hub) Subscribers(groupID types.GroupID) int {
	h.mu.RLock()
	g, ok := h.groups[groupID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
