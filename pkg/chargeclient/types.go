package chargeclient

import "time"

// ChargeRequest is the payload for one logical charge. Amounts are integer
// minor units.
type ChargeRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// ChargeOutcome is what the server returns for a fresh execution and,
// byte-identical, for every replayed duplicate.
type ChargeOutcome struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	ProcessedAtMS int64  `json:"processed_at_ms"`
	Message       string `json:"message,omitempty"`
}

// Record is the GET /v1/charges/{key} snapshot.
type Record struct {
	Key         string         `json:"key"`
	State       string         `json:"state"`
	Outcome     *ChargeOutcome `json:"outcome,omitempty"`
	CreatedAtMS int64          `json:"created_at_ms"`
	ExpiresAtMS int64          `json:"expires_at_ms"`
}

// ChargeOptions controls retry behavior for ChargeWithRetry. Only
// in-flight/busy responses are retried; conflicts are terminal.
type ChargeOptions struct {
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2 (20%)
}
