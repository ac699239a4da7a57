// Package registry holds the IdempotencyRegistry backends: in-process
// (Memory), durable (SQLite), and networked cache (Redis). All three
// satisfy model.Registry and its atomicity contract.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"idempay/internal/model"
)

// memRecord is one key's live record. Transitions happen under mu; done is
// closed exactly once per pending attempt when it leaves pending. token is
// unique per attempt so a stale Complete/Fail cannot touch a successor that
// re-claimed the key.
type memRecord struct {
	mu          sync.Mutex
	fingerprint model.Fingerprint
	state       model.RecordState
	outcome     *model.ChargeOutcome
	createdAt   time.Time
	expiresAt   time.Time
	token       int64
	done        chan struct{}
}

func (r *memRecord) expiredLocked(now time.Time) bool {
	return !now.Before(r.expiresAt)
}

// Memory is the in-process registry. The atomic insert is sync.Map
// LoadOrStore, so concurrent Reserve calls for a fresh key race on a single
// compare-and-swap and exactly one wins; no lock is shared across keys.
//
// Suitable for single-instance deployments. Multi-instance deployments need
// the Redis backend.
type Memory struct {
	records sync.Map // key -> *memRecord
	tokens  atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Reserve(ctx context.Context, key string, fp model.Fingerprint, ttl time.Duration) (model.Reservation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Reservation{}, err
		}
		now := time.Now()

		token := m.tokens.Add(1)
		fresh := &memRecord{
			fingerprint: fp,
			state:       model.StatePending,
			createdAt:   now,
			expiresAt:   now.Add(ttl),
			token:       token,
			done:        make(chan struct{}),
		}
		actual, loaded := m.records.LoadOrStore(key, fresh)
		if !loaded {
			return model.Reservation{Status: model.StatusCreated, Token: token}, nil
		}

		rec := actual.(*memRecord)
		rec.mu.Lock()

		if rec.expiredLocked(now) {
			rec.mu.Unlock()
			// Evict and retry the insert race from scratch.
			m.records.CompareAndDelete(key, actual)
			continue
		}

		if rec.fingerprint != fp {
			rec.mu.Unlock()
			return model.Reservation{Status: model.StatusConflict}, nil
		}

		switch rec.state {
		case model.StateFailed:
			// Released slot: reclaim in place with a fresh TTL window and
			// a fresh token.
			rec.state = model.StatePending
			rec.outcome = nil
			rec.createdAt = now
			rec.expiresAt = now.Add(ttl)
			rec.token = token
			rec.done = make(chan struct{})
			rec.mu.Unlock()
			return model.Reservation{Status: model.StatusCreated, Token: token}, nil

		case model.StateCompleted:
			out := *rec.outcome
			rec.mu.Unlock()
			return model.Reservation{Status: model.StatusExistingMatch, Outcome: &out}, nil

		default: // pending
			done := rec.done
			rec.mu.Unlock()
			return model.Reservation{
				Status: model.StatusExistingMatch,
				Ticket: model.Ticket{Key: key, Fingerprint: fp, Done: done},
			}, nil
		}
	}
}

func (m *Memory) AwaitCompletion(ctx context.Context, t model.Ticket, timeout time.Duration) (model.ChargeOutcome, error) {
	if t.Done == nil {
		return model.ChargeOutcome{}, model.ErrReservationReleased
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return model.ChargeOutcome{}, ctx.Err()
	case <-timer.C:
		return model.ChargeOutcome{}, model.ErrAwaitTimeout
	case <-t.Done:
	}

	v, ok := m.records.Load(t.Key)
	if !ok {
		return model.ChargeOutcome{}, model.ErrReservationReleased
	}
	rec := v.(*memRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.fingerprint != t.Fingerprint || rec.state != model.StateCompleted {
		// Failed, reclaimed by a newer attempt, or replaced after expiry.
		return model.ChargeOutcome{}, model.ErrReservationReleased
	}
	return *rec.outcome, nil
}

func (m *Memory) Complete(ctx context.Context, key string, token int64, out model.ChargeOutcome) error {
	v, ok := m.records.Load(key)
	if !ok {
		return nil // expired and evicted; outcome dropped
	}
	rec := v.(*memRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// The token check drops stale completions from an attempt whose TTL
	// elapsed while a successor already re-claimed the key.
	if rec.token != token || rec.expiredLocked(time.Now()) || rec.state != model.StatePending {
		return nil
	}
	rec.state = model.StateCompleted
	rec.outcome = &out
	close(rec.done)
	return nil
}

func (m *Memory) Fail(ctx context.Context, key string, token int64) error {
	v, ok := m.records.Load(key)
	if !ok {
		return nil
	}
	rec := v.(*memRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.token != token || rec.expiredLocked(time.Now()) || rec.state != model.StatePending {
		return nil
	}
	rec.state = model.StateFailed
	rec.outcome = nil
	close(rec.done)
	return nil
}

func (m *Memory) Lookup(ctx context.Context, key string) (model.IdempotencyRecord, bool, error) {
	v, ok := m.records.Load(key)
	if !ok {
		return model.IdempotencyRecord{}, false, nil
	}
	rec := v.(*memRecord)
	rec.mu.Lock()
	if rec.expiredLocked(time.Now()) {
		rec.mu.Unlock()
		m.records.CompareAndDelete(key, v)
		return model.IdempotencyRecord{}, false, nil
	}
	snap := model.IdempotencyRecord{
		Key:         key,
		Fingerprint: rec.fingerprint,
		State:       rec.state,
		CreatedAt:   rec.createdAt,
		ExpiresAt:   rec.expiresAt,
	}
	if rec.outcome != nil {
		out := *rec.outcome
		snap.Outcome = &out
	}
	rec.mu.Unlock()
	return snap, true, nil
}

func (m *Memory) SweepExpired(ctx context.Context, now time.Time) (removed, live int64, err error) {
	m.records.Range(func(k, v any) bool {
		rec := v.(*memRecord)
		rec.mu.Lock()
		expired := rec.expiredLocked(now)
		rec.mu.Unlock()
		if expired {
			if m.records.CompareAndDelete(k, v) {
				removed++
			}
		} else {
			live++
		}
		return true
	})
	return removed, live, nil
}

func (m *Memory) Close() error { return nil }
