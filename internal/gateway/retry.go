package gateway

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/user/groupstream/internal/types"
)

// RetryPolicy controls how failed store calls are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy suited to enqueueing:
// 3 attempts, 50ms initial delay, 2x multiplier, 1s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(err)
}

// isRetryable classifies errors by the taxonomy. Caller mistakes and
// cancellation are permanent; a full queue and unknown store errors are not.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrPermissionDenied),
		errors.Is(err, types.ErrUnauthenticated),
		errors.Is(err, types.ErrConflict):
		return false
	default:
		return true
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. It stops early on a permanent error or when ctx is
// done, returning the last error.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.NextDelay(attempt)):
		}
	}
	return lastErr
}
