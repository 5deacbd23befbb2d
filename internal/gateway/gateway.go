// Package gateway turns API requests into runs and group messages.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/groupstream/internal/metrics"
	"github.com/user/groupstream/internal/types"
)

const (
	DefaultMaxContentBytes = 32 * 1024
	DefaultPageSize        = 50
	MaxPageSize            = 200
)

// Authorizer decides whether a user may act on a group.
type Authorizer interface {
	AuthorizeGroup(ctx context.Context, user types.UserID, group types.GroupID) error
}

// AllowAll admits every authenticated user to every group.
type AllowAll struct{}

func (AllowAll) AuthorizeGroup(context.Context, types.UserID, types.GroupID) error { return nil }

// Publisher receives group message events. *hub.Hub satisfies it.
type Publisher interface {
	Publish(msg *types.Message)
	PublishUpdated(msg *types.Message)
}

// KindSet reports which run kinds can be executed.
type KindSet interface {
	Has(kind types.RunKind) bool
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Sequence types.SequenceAllocator
	Runs     types.RunRegistry
	Queue    types.WorkQueue
	Messages types.MessageStore
	Hub      Publisher
	Kinds    KindSet

	Auth            Authorizer   // AllowAll when nil
	Retry           *RetryPolicy // DefaultRetryPolicy when nil
	MaxContentBytes int
}

// Gateway creates runs and messages and answers queries about them.
type Gateway struct {
	seq      types.SequenceAllocator
	runs     types.RunRegistry
	queue    types.WorkQueue
	messages types.MessageStore
	hub      Publisher
	kinds    KindSet
	auth     Authorizer
	retry    *RetryPolicy

	maxContent int
	now        func() time.Time

	// groups serialises seq allocation through publish per group so
	// subscribers in this process see seqs in order.
	groups groupLocks
}

// groupLocks hands out one mutex per group.
type groupLocks struct {
	mu    sync.Mutex
	locks map[types.GroupID]*sync.Mutex
}

func (l *groupLocks) lock(id types.GroupID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[types.GroupID]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	g := &Gateway{
		seq:        d.Sequence,
		runs:       d.Runs,
		queue:      d.Queue,
		messages:   d.Messages,
		hub:        d.Hub,
		kinds:      d.Kinds,
		auth:       d.Auth,
		retry:      d.Retry,
		maxContent: d.MaxContentBytes,
		now:        time.Now,
	}
	if g.auth == nil {
		g.auth = AllowAll{}
	}
	if g.retry == nil {
		g.retry = DefaultRetryPolicy()
	}
	if g.maxContent <= 0 {
		g.maxContent = DefaultMaxContentBytes
	}
	return g
}

// CreateRunInput is the body of a Create Run request.
type CreateRunInput struct {
	UserID            types.UserID    `json:"-"`
	Kind              types.RunKind   `json:"kind,omitempty"`
	GroupID           types.GroupID   `json:"groupId,omitempty"`
	SessionID         types.SessionID `json:"sessionId,omitempty"`
	Content           string          `json:"content"`
	Role              string          `json:"role,omitempty"`
	PromptKey         string          `json:"promptKey,omitempty"`
	AttachmentIDs     []string        `json:"attachmentIds,omitempty"`
	RoutingHints      json.RawMessage `json:"routingHints,omitempty"`
	ResendOfMessageID types.MessageID `json:"resendOfMessageId,omitempty"`
}

// CreateRunResult identifies the new run and its pre-allocated messages.
// GroupSeq is the assistant placeholder's sequence for group runs.
type CreateRunResult struct {
	RunID              types.RunID     `json:"runId"`
	UserMessageID      types.MessageID `json:"userMessageId"`
	AssistantMessageID types.MessageID `json:"assistantMessageId"`
	GroupSeq           *int64          `json:"groupSeq,omitempty"`
}

// CancelResult is returned by CancelRun.
type CancelResult struct {
	RunID           types.RunID `json:"runId"`
	CancelRequested bool        `json:"cancelRequested"`
}

func requireUser(user types.UserID) error {
	if user == "" {
		return &types.Error{Code: types.CodePermissionDenied, Message: "missing user identity", Err: types.ErrUnauthenticated}
	}
	return nil
}

func (g *Gateway) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return types.Invalid("content is required")
	}
	if len(content) > g.maxContent {
		return types.Invalid("content exceeds %d bytes", g.maxContent)
	}
	return nil
}

// CreateRun stores the triggering user message and an empty assistant
// placeholder, records the run as queued and enqueues it. For group runs the
// user message is always sequenced before the placeholder.
func (g *Gateway) CreateRun(ctx context.Context, in CreateRunInput) (*CreateRunResult, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, err
	}
	if in.Kind == "" {
		in.Kind = types.KindChat
	}
	if g.kinds != nil && !g.kinds.Has(in.Kind) {
		return nil, &types.Error{Code: types.CodeUnknownKind, Message: fmt.Sprintf("unknown run kind %q", in.Kind), Err: types.ErrInvalidInput}
	}
	if in.GroupID == "" && in.SessionID == "" {
		return nil, types.Invalid("groupId or sessionId is required")
	}
	if err := g.validateContent(in.Content); err != nil {
		return nil, err
	}
	if in.GroupID != "" {
		if err := g.auth.AuthorizeGroup(ctx, in.UserID, in.GroupID); err != nil {
			return nil, err
		}
	}

	role := in.Role
	if role == "" {
		role = types.RoleUser
	}
	input, err := json.Marshal(types.ChatInput{
		Content:       in.Content,
		Role:          role,
		PromptKey:     in.PromptKey,
		AttachmentIDs: in.AttachmentIDs,
		RoutingHints:  in.RoutingHints,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}

	runID := types.NewRunID()
	user := &types.Message{
		ID:                types.NewMessageID(),
		GroupID:           in.GroupID,
		SessionID:         in.SessionID,
		RunID:             runID,
		SenderID:          in.UserID,
		Role:              role,
		Content:           in.Content,
		ResendOfMessageID: in.ResendOfMessageID,
	}
	assistant := &types.Message{
		ID:               types.NewMessageID(),
		GroupID:          in.GroupID,
		SessionID:        in.SessionID,
		RunID:            runID,
		Role:             types.RoleAssistant,
		ReplyToMessageID: user.ID,
	}

	log := slog.With("run_id", runID, "group_id", in.GroupID)

	if in.GroupID != "" {
		unlock := g.groups.lock(in.GroupID)
		defer unlock()

		userSeq, err := g.seq.Next(ctx, in.GroupID)
		if err != nil {
			return nil, fmt.Errorf("allocate user seq: %w", err)
		}
		assistantSeq, err := g.seq.Next(ctx, in.GroupID)
		if err != nil {
			return nil, fmt.Errorf("allocate assistant seq: %w", err)
		}
		user.GroupSeq, assistant.GroupSeq = &userSeq, &assistantSeq
	}

	if err := g.messages.Insert(ctx, user); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	if err := g.messages.Insert(ctx, assistant); err != nil {
		g.discard(ctx, log, user)
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	now := g.now()
	meta := &types.RunMeta{
		ID:                 runID,
		Kind:               in.Kind,
		Status:             types.RunStatusQueued,
		GroupID:            in.GroupID,
		SessionID:          in.SessionID,
		CreatedBy:          in.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		Input:              input,
	}
	if err := g.runs.Create(ctx, meta); err != nil {
		g.discard(ctx, log, user)
		g.discard(ctx, log, assistant)
		return nil, fmt.Errorf("create run: %w", err)
	}

	if in.GroupID != "" {
		g.hub.Publish(user)
		g.hub.Publish(assistant)
	}
	metrics.RunsCreated.WithLabelValues(string(in.Kind)).Inc()

	item := &types.WorkItem{Kind: in.Kind, RunID: runID, EnqueuedAt: now}
	if err := g.retry.Do(ctx, func() error { return g.queue.Enqueue(ctx, item) }); err != nil {
		// The run stays queued; the reconciler enqueues it again.
		log.Warn("enqueue run failed", "error", err)
	}

	log.Info("run created", "kind", in.Kind, "user_seq", user.Seq(), "assistant_seq", assistant.Seq())
	return &CreateRunResult{
		RunID:              runID,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		GroupSeq:           assistant.GroupSeq,
	}, nil
}

// discard soft-deletes a message written by a failed CreateRun. A group
// stream replaying from the store may already have sent it, so the tombstone
// is published too.
func (g *Gateway) discard(ctx context.Context, log *slog.Logger, msg *types.Message) {
	deleted, err := g.messages.SoftDelete(ctx, msg.ID)
	if err != nil {
		log.Warn("discard message failed", "message_id", msg.ID, "error", err)
		return
	}
	if deleted.GroupSeq != nil {
		g.hub.PublishUpdated(deleted)
	}
}

// AuthorizeRun returns the run if user may see it. Group runs are visible to
// group members, personal runs only to their creator.
func (g *Gateway) AuthorizeRun(ctx context.Context, user types.UserID, id types.RunID) (*types.RunMeta, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	meta, err := g.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.GroupID != "" {
		if err := g.auth.AuthorizeGroup(ctx, user, meta.GroupID); err != nil {
			return nil, err
		}
		return meta, nil
	}
	if meta.CreatedBy != user {
		return nil, &types.Error{Code: types.CodePermissionDenied, Message: "run belongs to another user", Err: types.ErrPermissionDenied}
	}
	return meta, nil
}

// AuthorizeGroup checks that user may read and write the group.
func (g *Gateway) AuthorizeGroup(ctx context.Context, user types.UserID, group types.GroupID) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if group == "" {
		return types.Invalid("groupId is required")
	}
	return g.auth.AuthorizeGroup(ctx, user, group)
}

// GetRun returns the run. Unknown and expired runs are both NotFound.
func (g *Gateway) GetRun(ctx context.Context, user types.UserID, id types.RunID) (*types.RunMeta, error) {
	return g.AuthorizeRun(ctx, user, id)
}

// CancelRun flags the run for cancellation and returns at once. The worker
// observes the flag at its next checkpoint; a run that already finished keeps
// its status.
func (g *Gateway) CancelRun(ctx context.Context, user types.UserID, id types.RunID) (*CancelResult, error) {
	if _, err := g.AuthorizeRun(ctx, user, id); err != nil {
		return nil, err
	}
	meta, err := g.runs.RequestCancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	slog.Info("run cancel requested", "run_id", id, "status", meta.Status)
	return &CancelResult{RunID: id, CancelRequested: true}, nil
}
