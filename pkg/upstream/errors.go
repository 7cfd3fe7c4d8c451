package upstream

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies upstream failures for handling and observability.
type ErrorKind string

const (
	// KindAuth represents a non-retryable credential rejection (403).
	KindAuth ErrorKind = "auth"

	// KindRateLimited represents a quota rejection (429). Not retried
	// internally; the retry hint is surfaced to the caller.
	KindRateLimited ErrorKind = "rate_limited"

	// KindRejected represents a deterministic client-side rejection: any
	// 4xx other than the credential (403) and quota (429) cases. Never
	// retried, and never counted against upstream health.
	KindRejected ErrorKind = "rejected"

	// KindTransient represents timeouts, network failures and 5xx
	// responses. Retried once before surfacing.
	KindTransient ErrorKind = "transient"

	// KindEmptyPayload represents a successful call that carried no usable
	// player data. Surfaced distinctly so callers do not retry it forever.
	KindEmptyPayload ErrorKind = "empty_payload"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call
// without attempting the network.
var ErrBreakerOpen = errors.New("upstream circuit breaker open")

// Error is a typed upstream failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// RetryAfter carries the server-provided retry hint for rate-limited
	// responses. Zero when the server sent none.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the client retries this failure internally.
// Only transient failures are retried; auth, rate-limit and other 4xx
// rejections would waste quota on the same answer, and an empty payload
// will not improve on retry.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransient
}

// KindOf extracts the error kind from any error in the chain. Returns the
// empty kind for non-upstream errors.
func KindOf(err error) ErrorKind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}
