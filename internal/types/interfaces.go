package types

import (
	"context"
	"time"
)

// SequenceAllocator issues strictly increasing integers per group. Values are
// never reused; a failed write after Next leaves a hole.
type SequenceAllocator interface {
	Next(ctx context.Context, groupID GroupID) (int64, error)
}

// EventLog is the append-only per-run event store. Append assigns Seq.
// Reads of expired or unknown runs return empty results.
type EventLog interface {
	Append(ctx context.Context, event *RunEvent) error
	ReadAfter(ctx context.Context, runID RunID, afterSeq int64, limit int) ([]*RunEvent, error)
	GetSnapshot(ctx context.Context, runID RunID) (*Snapshot, error)
	SetSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// RunRegistry stores RunMeta with TTL. Get on an expired or unknown run
// returns ErrNotFound.
type RunRegistry interface {
	Create(ctx context.Context, run *RunMeta) error
	Get(ctx context.Context, id RunID) (*RunMeta, error)
	// Transition moves the run from one status to another only if its
	// current status equals from. It reports whether the swap happened.
	Transition(ctx context.Context, id RunID, from, to RunStatus, failure *RunFailure) (bool, error)
	SetLastSeq(ctx context.Context, id RunID, seq int64) error
	RequestCancel(ctx context.Context, id RunID) (*RunMeta, error)
	ListByStatus(ctx context.Context, status RunStatus, updatedBefore time.Time, limit int) ([]*RunMeta, error)
}

// WorkQueue hands work items to competing consumers with at-least-once
// semantics. Dequeue returns (nil, nil) when the timeout elapses.
type WorkQueue interface {
	Enqueue(ctx context.Context, item *WorkItem) error
	Dequeue(ctx context.Context, timeout time.Duration) (*WorkItem, error)
	Ack(ctx context.Context, item *WorkItem) error
	Has(ctx context.Context, runID RunID) (bool, error)
}

// MessageQuery selects a page of group history. A forward page (AfterSeq > 0
// or Forward) returns the oldest messages with seq > AfterSeq and takes
// precedence over BeforeSeq; otherwise the newest messages below BeforeSeq,
// or the newest overall, are returned.
type MessageQuery struct {
	GroupID        GroupID
	AfterSeq       int64
	BeforeSeq      int64
	Forward        bool
	Limit          int
	IncludeDeleted bool
}

// IsForward reports whether q pages forward from AfterSeq.
func (q MessageQuery) IsForward() bool {
	return q.Forward || q.AfterSeq > 0
}

// MessageStore is the durable message collaborator. List results are always
// in ascending group sequence order.
type MessageStore interface {
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id MessageID) (*Message, error)
	UpdateContent(ctx context.Context, id MessageID, content string, usage *TokenUsage) (*Message, error)
	SoftDelete(ctx context.Context, id MessageID) (*Message, error)
	List(ctx context.Context, q MessageQuery) ([]*Message, error)
}
