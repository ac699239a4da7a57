package chargeclient

import "fmt"

// ConflictError: the idempotency key is live on the server with a different
// payload. Not retryable; change the request or the key.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("charge conflict: key=%s reason=%s", e.Key, e.Reason)
}

// InFlightError: a duplicate of this request is still processing server-side
// (or the store was transiently busy). Retryable after RetryAfterMS.
type InFlightError struct {
	Key          string
	Reason       string // IN_FLIGHT | BUSY_RETRY
	RetryAfterMS int64
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("charge not resolved: key=%s reason=%s retry_ms=%d",
		e.Key, e.Reason, e.RetryAfterMS)
}

// UpstreamError: the payment gateway behind the server failed. The
// reservation was released, so the same request may be retried.
type UpstreamError struct {
	Key     string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("charge failed upstream: key=%s msg=%q", e.Key, e.Message)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
