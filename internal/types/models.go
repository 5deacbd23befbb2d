package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusProcessing RunStatus = "processing"
	RunStatusDone       RunStatus = "done"
	RunStatusError      RunStatus = "error"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusDone || s == RunStatusError || s == RunStatusCancelled
}

// RunKind selects the pipeline that executes a run.
type RunKind string

const KindChat RunKind = "chat"

// RunMeta is the registry record for one triggered unit of work.
type RunMeta struct {
	ID                 RunID           `json:"runId"`
	Kind               RunKind         `json:"kind"`
	Status             RunStatus       `json:"status"`
	GroupID            GroupID         `json:"groupId,omitempty"`
	SessionID          SessionID       `json:"sessionId,omitempty"`
	CreatedBy          UserID          `json:"createdByUserId"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	EndedAt            *time.Time      `json:"endedAt,omitempty"`
	UserMessageID      MessageID       `json:"userMessageId"`
	AssistantMessageID MessageID       `json:"assistantMessageId"`
	LastSeq            int64           `json:"lastSeq"`
	CancelRequested    bool            `json:"cancelRequested"`
	Input              json.RawMessage `json:"inputJson,omitempty"`
	ErrorCode          string          `json:"errorCode,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
}

// ApplyTransition moves the run into status to, stamping EndedAt when the
// status is terminal.
func (r *RunMeta) ApplyTransition(to RunStatus, failure *RunFailure, now time.Time) {
	r.Status = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		ended := now
		r.EndedAt = &ended
	}
	if failure != nil {
		r.ErrorCode = failure.Code
		r.ErrorMessage = failure.Message
	}
}

// RunFailure describes why a run ended in the error state.
type RunFailure struct {
	Code    string
	Message string
}

// Run event types written to the EventLog.
const (
	EventDelta    = "delta"
	EventDone     = "done"
	EventError    = "error"
	EventSnapshot = "snapshot"
)

// RunEvent is one EventLog entry. Seq starts at 1 and is assigned on append.
type RunEvent struct {
	RunID   RunID           `json:"runId"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Snapshot is the consolidated view of a run up to Seq.
type Snapshot struct {
	RunID   RunID           `json:"runId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// WorkItem is a queued request to execute a run.
type WorkItem struct {
	Kind       RunKind   `json:"kind"`
	RunID      RunID     `json:"runId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Receipt identifies the dequeued copy for Ack. Set by the queue.
	Receipt string `json:"-"`
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Message is a chat message visible in a group or personal session.
type Message struct {
	ID                MessageID   `json:"id"`
	GroupID           GroupID     `json:"groupId,omitempty"`
	GroupSeq          *int64      `json:"groupSeq,omitempty"`
	SessionID         SessionID   `json:"sessionId,omitempty"`
	RunID             RunID       `json:"runId,omitempty"`
	SenderID          UserID      `json:"senderId,omitempty"`
	Role              string      `json:"role"`
	Content           string      `json:"content"`
	IsDeleted         bool        `json:"isDeleted"`
	ReplyToMessageID  MessageID   `json:"replyToMessageId,omitempty"`
	ResendOfMessageID MessageID   `json:"resendOfMessageId,omitempty"`
	TokenUsage        *TokenUsage `json:"tokenUsage,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Seq returns the group sequence or 0 when unassigned.
func (m *Message) Seq() int64 {
	if m.GroupSeq == nil {
		return 0
	}
	return *m.GroupSeq
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Hub event types.
const (
	MessageEventNew     = "message"
	MessageEventUpdated = "messageUpdated"
)

// MessageEvent is fanned out to group subscribers.
type MessageEvent struct {
	Type    string   `json:"type"`
	Seq     int64    `json:"-"`
	Message *Message `json:"message"`
}

// DeltaPayload is the payload of a delta event.
type DeltaPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DonePayload is the payload of a done event. Cancelled runs also end with done.
type DonePayload struct {
	Type      string      `json:"type"`
	MessageID MessageID   `json:"messageId,omitempty"`
	Content   string      `json:"content,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Type         string `json:"type"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// SnapshotPayload is the consolidated text of a run up to event Seq.
type SnapshotPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Seq     int64  `json:"seq"`
}

// ChatInput is the input blob of a chat run.
type ChatInput struct {
	Content       string          `json:"content"`
	Role          string          `json:"role,omitempty"`
	PromptKey     string          `json:"promptKey,omitempty"`
	AttachmentIDs []string        `json:"attachmentIds,omitempty"`
	RoutingHints  json.RawMessage `json:"routingHints,omitempty"`
}
