package model

import (
	"errors"
	"fmt"
)

// ErrConflict: the idempotency key is live with a different fingerprint.
// Terminal; the caller must change its request or key.
var ErrConflict = errors.New("idempotency key reused with different request")

// ErrInFlight: a duplicate of this request is still processing and the
// bounded wait expired. Transient; the caller should retry later.
var ErrInFlight = errors.New("request with this idempotency key is still processing")

// ValidationError reports a malformed charge before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid charge: %s %s", e.Field, e.Reason)
}

// OperationError wraps a failure of the external payment operation.
// The reservation is released, so the same key+fingerprint may re-execute.
type OperationError struct {
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("payment operation failed: %v", e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
