package model

import "time"

// RecordState tracks the lifecycle of an idempotency record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateCompleted RecordState = "completed"
	StateFailed    RecordState = "failed"
)

// ChargeRequest is the caller-supplied payload for a payment charge.
// Amounts are integer minor units (cents for USD) so fingerprint equality
// stays exact.
type ChargeRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// ChargeOutcome is the result of the external payment operation, cached
// verbatim for replay to duplicate requests.
type ChargeOutcome struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"` // SUCCESS
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	ProcessedAtMS int64  `json:"processed_at_ms"`
	Message       string `json:"message,omitempty"`
}

// IdempotencyRecord is the stored unit: at most one live record per key.
// Fingerprint is immutable once set; only State and Outcome transition.
type IdempotencyRecord struct {
	Key         string
	Fingerprint Fingerprint
	State       RecordState
	Outcome     *ChargeOutcome // set only when State == StateCompleted
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record is logically absent at the given time.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
