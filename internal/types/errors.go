package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUpstream         = errors.New("upstream failure")
	ErrConflict         = errors.New("conflict")
	ErrQueueFull        = errors.New("queue full")
)

// Machine-readable error codes surfaced to API callers and stream consumers.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidInput       = "INVALID_INPUT"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeUpstreamFailure    = "UPSTREAM_FAILURE"
	CodeUpstreamIncomplete = "UPSTREAM_INCOMPLETE"
	CodeUnknownKind        = "UNKNOWN_RUN_KIND"
	CodeConflict           = "CONFLICT"
	CodeWorkerShutdown     = "WORKER_SHUTDOWN"
	CodeWorkerLost         = "WORKER_LOST"
	CodeInternal           = "INTERNAL"
)

// Error carries a code and a human message alongside the wrapped cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Invalid returns an InvalidInput error with the given message.
func Invalid(format string, args ...any) error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...), Err: ErrInvalidInput}
}

// NotFound returns a NotFound error naming the missing entity. Unknown and
// expired entities produce the same error.
func NotFound(what string) error {
	return &Error{Code: CodeNotFound, Message: what + " not found", Err: ErrNotFound}
}

// CodeOf maps err onto the error code taxonomy.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrUpstream):
		return CodeUpstreamFailure
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// MessageOf returns the human message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
