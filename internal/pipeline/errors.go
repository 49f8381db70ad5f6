package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ValidationReason says why a reference was rejected before any network work.
type ValidationReason string

// Validation failure reasons.
const (
	InvalidFormat ValidationReason = "invalid_format"
	InvalidLength ValidationReason = "invalid_length"
)

// ValidationError is a caller input fault. It is never retried and consumes
// no quota.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid reference: %s", e.Reason)
	}
	return fmt.Sprintf("invalid reference: %s: %s", e.Reason, e.Detail)
}

// RateLimitedError rejects a request inside the per-caller cooldown window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// QuotaExceededError rejects a request once the caller's daily quota is spent.
type QuotaExceededError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// FetchFailReason classifies a reference-level fetch failure.
type FetchFailReason string

// Reference-level fetch failure reasons.
const (
	FailDeadLink           FetchFailReason = "dead_link"
	FailUnsupportedFormat  FetchFailReason = "unsupported_format"
	FailTimeout            FetchFailReason = "timeout"
	FailBackendUnavailable FetchFailReason = "backend_unavailable"
)

// FetchFailedError means the reference did not resolve at all, after backend
// fallback. Item-level failures inside a collection are absorbed and counted
// instead.
type FetchFailedError struct {
	Reason FetchFailReason
	Err    error
}

func (e *FetchFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch failed: %s", e.Reason)
	}
	return fmt.Sprintf("fetch failed: %s: %v", e.Reason, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// TransientError marks a backend failure (timeout, 5xx, connection reset)
// worth retrying. Anything else is treated as fatal for the attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
