package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/groupstream/internal/types"
)

// MessageStore is a JSON-file-backed message store.
// Group messages live in groups/<groupID>/messages.json, personal session
// messages in sessions/<sessionID>/messages.json. messages/index.json maps
// each message ID to the file that holds it.
type MessageStore struct {
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewMessageStore creates a MessageStore rooted at the given directory.
func NewMessageStore(root string) *MessageStore {
	return &MessageStore{root: root, now: time.Now}
}

func (s *MessageStore) indexPath() string {
	return filepath.Join(s.root, "messages", "index.json")
}

// bucket returns the path relative to root that stores msg.
func bucket(msg *types.Message) (string, error) {
	switch {
	case msg.GroupID != "":
		if !safeName(string(msg.GroupID)) {
			return "", types.Invalid("invalid group id %q", msg.GroupID)
		}
		return filepath.Join("groups", string(msg.GroupID), "messages.json"), nil
	case msg.SessionID != "":
		if !safeName(string(msg.SessionID)) {
			return "", types.Invalid("invalid session id %q", msg.SessionID)
		}
		return filepath.Join("sessions", string(msg.SessionID), "messages.json"), nil
	default:
		return "", types.Invalid("message needs a group or session")
	}
}

func (s *MessageStore) loadIndex() (map[types.MessageID]string, error) {
	index := make(map[types.MessageID]string)
	if _, err := readJSON(s.indexPath(), &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *MessageStore) loadBucket(rel string) ([]*types.Message, error) {
	var msgs []*types.Message
	if _, err := readJSON(filepath.Join(s.root, rel), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MessageStore) saveBucket(rel string, msgs []*types.Message) error {
	return writeJSON(filepath.Join(s.root, rel), msgs)
}

// Insert stores a new message. Inserting an existing ID is a conflict.
func (s *MessageStore) Insert(_ context.Context, msg *types.Message) error {
	if msg.ID == "" {
		return types.Invalid("message id is required")
	}
	rel, err := bucket(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[msg.ID]; ok {
		return fmt.Errorf("insert message %s: %w", msg.ID, types.ErrConflict)
	}

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	msgs, err := s.loadBucket(rel)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if err := s.saveBucket(rel, msgs); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}

	index[msg.ID] = rel
	if err := writeJSON(s.indexPath(), index); err != nil {
		return fmt.Errorf("save message index: %w", err)
	}
	return nil
}

// find locates a message. Caller must hold s.mu.
func (s *MessageStore) find(id types.MessageID) (string, []*types.Message, int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return "", nil, 0, err
	}
	rel, ok := index[id]
	if !ok {
		return "", nil, 0, types.NotFound("message")
	}
	msgs, err := s.loadBucket(rel)
	if err != nil {
		return "", nil, 0, err
	}
	for i, m := range msgs {
		if m.ID == id {
			return rel, msgs, i, nil
		}
	}
	return "", nil, 0, types.NotFound("message")
}

// Get returns the message with the given ID, including soft-deleted ones.
func (s *MessageStore) Get(_ context.Context, id types.MessageID) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, msgs, i, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return msgs[i], nil
}

func (s *MessageStore) mutate(id types.MessageID, fn func(*types.Message)) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, msgs, i, err := s.find(id)
	if err != nil {
		return nil, err
	}
	fn(msgs[i])
	msgs[i].UpdatedAt = s.now()
	if err := s.saveBucket(rel, msgs); err != nil {
		return nil, fmt.Errorf("save messages: %w", err)
	}
	return msgs[i], nil
}

// UpdateContent replaces the content of a message and, when usage is non-nil,
// its token usage.
func (s *MessageStore) UpdateContent(_ context.Context, id types.MessageID, content string, usage *types.TokenUsage) (*types.Message, error) {
	return s.mutate(id, func(m *types.Message) {
		m.Content = content
		if usage != nil {
			m.TokenUsage = usage
		}
	})
}

// SoftDelete marks a message deleted. Its group sequence is kept.
func (s *MessageStore) SoftDelete(_ context.Context, id types.MessageID) (*types.Message, error) {
	return s.mutate(id, func(m *types.Message) {
		m.IsDeleted = true
	})
}

// List returns a page of a group's history in ascending sequence order.
func (s *MessageStore) List(_ context.Context, q types.MessageQuery) ([]*types.Message, error) {
	if !safeName(string(q.GroupID)) {
		return nil, types.Invalid("invalid group id %q", q.GroupID)
	}

	s.mu.RLock()
	msgs, err := s.loadBucket(filepath.Join("groups", string(q.GroupID), "messages.json"))
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var out []*types.Message
	for _, m := range msgs {
		if m.GroupSeq == nil || (m.IsDeleted && !q.IncludeDeleted) {
			continue
		}
		seq := m.Seq()
		if q.IsForward() {
			if seq <= q.AfterSeq {
				continue
			}
		} else if q.BeforeSeq > 0 && seq >= q.BeforeSeq {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })

	return page(out, q), nil
}

// page trims sorted messages to q.Limit. Forward reads keep the oldest,
// backward and latest reads keep the newest.
func page(msgs []*types.Message, q types.MessageQuery) []*types.Message {
	if q.Limit <= 0 || len(msgs) <= q.Limit {
		return msgs
	}
	if q.IsForward() {
		return msgs[:q.Limit]
	}
	return msgs[len(msgs)-q.Limit:]
}
