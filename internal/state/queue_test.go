package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/groupstream/internal/types"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	ids := []types.RunID{"r1", "r2", "r3"}
	for _, id := range ids {
		if err := q.Enqueue(ctx, &types.WorkItem{Kind: types.KindChat, RunID: id}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range ids {
		item, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if item == nil || item.RunID != want {
			t.Fatalf("expected %s, got %+v", want, item)
		}
		if item.Receipt == "" {
			t.Error("expected receipt on dequeued item")
		}
	}
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := NewQueue(1)
	item, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Errorf("expected nil item on timeout, got %+v", item)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context error, got %v", err)
	}
}

func TestQueueMembership(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &types.WorkItem{Kind: types.KindChat, RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	// Re-enqueueing a pending run is a no-op.
	if err := q.Enqueue(ctx, &types.WorkItem{Kind: types.KindChat, RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 pending item, got %d", q.Len())
	}

	item, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	has, _ := q.Has(ctx, "r1")
	if !has {
		t.Error("expected in-flight run to be reported")
	}
	if err := q.Ack(ctx, item); err != nil {
		t.Fatal(err)
	}
	has, _ = q.Has(ctx, "r1")
	if has {
		t.Error("expected acked run to be gone")
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &types.WorkItem{RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(ctx, &types.WorkItem{RunID: "r2"})
	if !errors.Is(err, types.ErrQueueFull) {
		t.Errorf("expected queue full, got %v", err)
	}
}
