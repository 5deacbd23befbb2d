package types

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type RunID string
type MessageID string
type GroupID string
type SessionID string
type UserID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewMessageID returns a ULID so that message ids sort by creation time.
func NewMessageID() MessageID {
	return MessageID(ulid.Make().String())
}

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}
