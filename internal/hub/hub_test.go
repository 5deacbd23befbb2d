package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/groupstream/internal/types"
)

func groupMessage(gid types.GroupID, seq int64) *types.Message {
	return &types.Message{
		ID:       types.NewMessageID(),
		GroupID:  gid,
		GroupSeq: &seq,
		Role:     types.RoleUser,
		Content:  "hi",
	}
}

func receive(t *testing.T, sub *Subscription) *types.MessageEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishFanOut(t *testing.T) {
	h := New(8)
	a := h.Subscribe("g1")
	b := h.Subscribe("g1")
	other := h.Subscribe("g2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	assert.Equal(t, 2, h.Subscribers("g1"))

	h.Publish(groupMessage("g1", 11))

	for _, sub := range []*Subscription{a, b} {
		ev := receive(t, sub)
		assert.Equal(t, types.MessageEventNew, ev.Type)
		assert.Equal(t, int64(11), ev.Seq)
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event on other group: %+v", ev)
	default:
	}
}

func TestPublishUpdatedKeepsSeq(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("g1")
	defer sub.Close()

	msg := groupMessage("g1", 12)
	msg.IsDeleted = true
	h.PublishUpdated(msg)

	ev := receive(t, sub)
	assert.Equal(t, types.MessageEventUpdated, ev.Type)
	assert.Equal(t, int64(12), ev.Seq)
	assert.True(t, ev.Message.IsDeleted)

	// Later changes to the caller's message do not leak into the event.
	msg.Content = "changed"
	assert.Equal(t, "hi", ev.Message.Content)
}

func TestPublishIgnoresUnsequencedMessages(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("g1")
	defer sub.Close()

	h.Publish(&types.Message{ID: "m1", GroupID: "g1"})
	h.Publish(nil)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := New(2)
	slow := h.Subscribe("g1")
	fast := h.Subscribe("g1")
	defer fast.Close()

	done := make(chan struct{})
	var got []int64
	go func() {
		defer close(done)
		for ev := range fast.Events() {
			got = append(got, ev.Seq)
			if ev.Seq == 5 {
				return
			}
		}
	}()

	for seq := int64(1); seq <= 5; seq++ {
		h.Publish(groupMessage("g1", seq))
		// give the fast reader a chance to drain
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	assert.True(t, slow.Lagged())
	assert.False(t, fast.Lagged())
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	// The dropped subscription's channel drains its buffer and then closes.
	n := 0
	for range slow.Events() {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.Subscribers("g1"))

	slow.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New(1)
	sub := h.Subscribe("g1")
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("g1"))

	// Publishing to a group without subscribers is a no-op.
	h.Publish(groupMessage("g1", 1))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	h := New(4)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := h.Subscribe("g1")
			time.Sleep(time.Millisecond)
			sub.Close()
		}()
		go func(seq int64) {
			defer wg.Done()
			h.Publish(groupMessage("g1", seq))
		}(int64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers("g1"))
}
