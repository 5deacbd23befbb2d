package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/groupstream/internal/types"
)

// SendMessageInput posts a message to a group without triggering a run.
type SendMessageInput struct {
	UserID            types.UserID    `json:"-"`
	GroupID           types.GroupID   `json:"-"`
	Content           string          `json:"content"`
	ReplyToMessageID  types.MessageID `json:"replyToMessageId,omitempty"`
	ResendOfMessageID types.MessageID `json:"resendOfMessageId,omitempty"`
}

// SendMessage sequences, stores and publishes a user message.
func (g *Gateway) SendMessage(ctx context.Context, in SendMessageInput) (*types.Message, error) {
	if err := g.AuthorizeGroup(ctx, in.UserID, in.GroupID); err != nil {
		return nil, err
	}
	if err := g.validateContent(in.Content); err != nil {
		return nil, err
	}

	unlock := g.groups.lock(in.GroupID)
	defer unlock()

	seq, err := g.seq.Next(ctx, in.GroupID)
	if err != nil {
		return nil, fmt.Errorf("allocate seq: %w", err)
	}
	msg := &types.Message{
		ID:                types.NewMessageID(),
		GroupID:           in.GroupID,
		GroupSeq:          &seq,
		SenderID:          in.UserID,
		Role:              types.RoleUser,
		Content:           in.Content,
		ReplyToMessageID:  in.ReplyToMessageID,
		ResendOfMessageID: in.ResendOfMessageID,
	}
	if err := g.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	g.hub.Publish(msg)
	return msg, nil
}

// DeleteMessage soft-deletes a group message and announces the change.
// Users may delete their own messages and assistant replies; deleting an
// already deleted message succeeds.
func (g *Gateway) DeleteMessage(ctx context.Context, user types.UserID, group types.GroupID, id types.MessageID) (*types.Message, error) {
	if err := g.AuthorizeGroup(ctx, user, group); err != nil {
		return nil, err
	}
	msg, err := g.messages.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.GroupID != group {
		return nil, types.NotFound("message")
	}
	if msg.Role != types.RoleAssistant && msg.SenderID != user {
		return nil, &types.Error{Code: types.CodePermissionDenied, Message: "cannot delete another user's message", Err: types.ErrPermissionDenied}
	}
	if msg.IsDeleted {
		return msg, nil
	}

	msg, err = g.messages.SoftDelete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	g.hub.PublishUpdated(msg)
	slog.Info("message deleted", "group_id", group, "message_id", id, "seq", msg.Seq())
	return msg, nil
}

// ListMessagesInput selects a page of history. AfterSeq wins over BeforeSeq.
type ListMessagesInput struct {
	UserID    types.UserID
	GroupID   types.GroupID
	AfterSeq  int64
	BeforeSeq int64
	Limit     int
}

// ListMessages returns visible group messages in ascending seq order.
// The limit is clamped to 1..200 and defaults to 50.
func (g *Gateway) ListMessages(ctx context.Context, in ListMessagesInput) ([]*types.Message, error) {
	if err := g.AuthorizeGroup(ctx, in.UserID, in.GroupID); err != nil {
		return nil, err
	}
	limit := in.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	q := types.MessageQuery{GroupID: in.GroupID, Limit: limit}
	if in.AfterSeq > 0 {
		q.AfterSeq = in.AfterSeq
	} else if in.BeforeSeq > 0 {
		q.BeforeSeq = in.BeforeSeq
	}
	msgs, err := g.messages.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	return msgs, nil
}
