package model

import (
	"context"
	"errors"
	"time"
)

// Status classifies the outcome of a Registry.Reserve call.
type Status int

const (
	// StatusCreated: no live record existed; a fresh pending record was
	// inserted atomically. The caller must now perform the operation.
	StatusCreated Status = iota + 1
	// StatusExistingMatch: a live record with the same fingerprint exists.
	// If it already completed, Reservation.Outcome carries the cached
	// result; otherwise Reservation.Ticket can be awaited.
	StatusExistingMatch
	// StatusConflict: a live record exists with a different fingerprint.
	StatusConflict
)

// Ticket references an in-flight reservation for AwaitCompletion.
type Ticket struct {
	Key         string
	Fingerprint Fingerprint

	// Done is set by channel-based backends for direct wakeups; polling
	// backends leave it nil and watch the record instead.
	Done <-chan struct{}
}

// Reservation is the result of a Reserve call.
type Reservation struct {
	Status  Status
	Outcome *ChargeOutcome // non-nil iff ExistingMatch on a completed record
	Ticket  Ticket         // valid iff ExistingMatch on a pending record

	// Token identifies this attempt; set iff Status == StatusCreated.
	// Complete and Fail only apply when the token still matches the live
	// record, so a completion arriving after the TTL cannot touch a
	// successor reservation that re-claimed the key.
	Token int64
}

// ErrAwaitTimeout: the bounded wait elapsed while the watched record was
// still pending.
var ErrAwaitTimeout = errors.New("timed out waiting for in-flight reservation")

// ErrReservationReleased: the watched reservation failed or vanished; the
// caller should re-enter the reserve cycle.
var ErrReservationReleased = errors.New("reservation released before completion")

// ErrStoreBusy: the backend is transiently contended (sqlite BUSY/LOCKED).
// Retryable; no state was mutated.
var ErrStoreBusy = errors.New("registry store busy")

// Registry is the concurrency-safe idempotency record store. It exclusively
// owns record storage and every state transition; callers only read and
// request transitions through these operations.
//
// Reserve is the linearization point per key: under concurrent calls with
// the same key, exactly one caller observes StatusCreated. Implementations
// must never block operations on distinct keys against one another.
type Registry interface {
	// Reserve atomically claims key for first-time processing under fp, or
	// reports the existing live record. Expired records are treated as
	// absent and evicted lazily. A failed record with a matching
	// fingerprint is reclaimed in place and reported as StatusCreated.
	Reserve(ctx context.Context, key string, fp Fingerprint, ttl time.Duration) (Reservation, error)

	// AwaitCompletion blocks cooperatively until the referenced record
	// leaves pending, the timeout elapses (ErrAwaitTimeout), or ctx is
	// done. ErrReservationReleased means the attempt failed or expired.
	AwaitCompletion(ctx context.Context, t Ticket, timeout time.Duration) (ChargeOutcome, error)

	// Complete transitions pending -> completed, stores the outcome, and
	// wakes waiters. token must be the Reservation.Token the caller got
	// from its Created reserve. It is a silent no-op when the record
	// already expired, or when token no longer matches the live record
	// (a successor attempt re-claimed the key): the outcome is then not
	// cached and a later retry re-executes.
	Complete(ctx context.Context, key string, token int64, out ChargeOutcome) error

	// Fail transitions pending -> failed and wakes waiters, under the same
	// token guard as Complete. No outcome is cached; a retry with the same
	// fingerprint reclaims the slot.
	Fail(ctx context.Context, key string, token int64) error

	// Lookup returns a snapshot of the live record for key, treating an
	// expired record as absent.
	Lookup(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	// SweepExpired removes records whose expiry has passed and reports how
	// many were removed plus how many live records remain. Backends with
	// native expiry may report removed == 0.
	SweepExpired(ctx context.Context, now time.Time) (removed, live int64, err error)

	Close() error
}
