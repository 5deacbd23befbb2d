package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/user/groupstream/internal/types"
)

const messageColumns = `id, group_id, group_seq, session_id, run_id, sender_id, role, content, is_deleted,
	reply_to_message_id, resend_of_message_id, input_tokens, output_tokens, created_at, updated_at`

// MessageStore keeps messages in the messages table.
type MessageStore struct {
	db  DB
	now func() time.Time
}

func NewMessageStore(db DB) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

func scanMessage(row pgx.Row) (*types.Message, error) {
	var (
		m                                       types.Message
		id, groupID, sessionID, runID, senderID string
		replyTo, resendOf                       string
		inputTokens, outputTokens               *int
	)
	err := row.Scan(&id, &groupID, &m.GroupSeq, &sessionID, &runID, &senderID, &m.Role, &m.Content,
		&m.IsDeleted, &replyTo, &resendOf, &inputTokens, &outputTokens, &m.Timestamp, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ID = types.MessageID(id)
	m.GroupID = types.GroupID(groupID)
	m.SessionID = types.SessionID(sessionID)
	m.RunID = types.RunID(runID)
	m.SenderID = types.UserID(senderID)
	m.ReplyToMessageID = types.MessageID(replyTo)
	m.ResendOfMessageID = types.MessageID(resendOf)
	if inputTokens != nil || outputTokens != nil {
		m.TokenUsage = &types.TokenUsage{}
		if inputTokens != nil {
			m.TokenUsage.Input = *inputTokens
		}
		if outputTokens != nil {
			m.TokenUsage.Output = *outputTokens
		}
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Insert stores a new message. A duplicate id or group seq is a conflict.
func (s *MessageStore) Insert(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		return types.Invalid("message id is required")
	}
	if msg.GroupID == "" && msg.SessionID == "" {
		return types.Invalid("message needs a group or session")
	}
	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	var inputTokens, outputTokens *int
	if msg.TokenUsage != nil {
		inputTokens, outputTokens = &msg.TokenUsage.Input, &msg.TokenUsage.Output
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, string(msg.ID), string(msg.GroupID), msg.GroupSeq, string(msg.SessionID), string(msg.RunID),
		string(msg.SenderID), msg.Role, msg.Content, msg.IsDeleted, string(msg.ReplyToMessageID),
		string(msg.ResendOfMessageID), inputTokens, outputTokens, msg.Timestamp, msg.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert message %s: %w", msg.ID, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert message %s: %w", msg.ID, types.ErrConflict)
	}
	return nil
}

// Get returns the message with the given ID, including soft-deleted ones.
func (s *MessageStore) Get(ctx context.Context, id types.MessageID) (*types.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("message")
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// UpdateContent replaces the content of a message and, when usage is non-nil,
// its token usage.
func (s *MessageStore) UpdateContent(ctx context.Context, id types.MessageID, content string, usage *types.TokenUsage) (*types.Message, error) {
	var inputTokens, outputTokens *int
	if usage != nil {
		inputTokens, outputTokens = &usage.Input, &usage.Output
	}
	msg, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages
		SET content = $2,
			input_tokens = COALESCE($3, input_tokens),
			output_tokens = COALESCE($4, output_tokens),
			updated_at = $5
		WHERE id = $1
		RETURNING `+messageColumns,
		string(id), content, inputTokens, outputTokens, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("message")
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDelete marks a message deleted. Its group sequence is kept.
func (s *MessageStore) SoftDelete(ctx context.Context, id types.MessageID) (*types.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages SET is_deleted = TRUE, updated_at = $2
		WHERE id = $1
		RETURNING `+messageColumns,
		string(id), s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("message")
	}
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

// List returns a page of a group's history in ascending sequence order.
func (s *MessageStore) List(ctx context.Context, q types.MessageQuery) ([]*types.Message, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}

	var (
		query   string
		args    []any
		reverse bool
	)
	base := `SELECT ` + messageColumns + ` FROM messages WHERE group_id = $1 AND ($2 OR NOT is_deleted)`
	switch {
	case q.IsForward():
		query = base + ` AND group_seq > $3 ORDER BY group_seq ASC LIMIT $4`
		args = []any{string(q.GroupID), q.IncludeDeleted, q.AfterSeq, limit}
	case q.BeforeSeq > 0:
		query = base + ` AND group_seq < $3 ORDER BY group_seq DESC LIMIT $4`
		args = []any{string(q.GroupID), q.IncludeDeleted, q.BeforeSeq, limit}
		reverse = true
	default:
		query = base + ` AND group_seq IS NOT NULL ORDER BY group_seq DESC LIMIT $3`
		args = []any{string(q.GroupID), q.IncludeDeleted, limit}
		reverse = true
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if reverse {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}
