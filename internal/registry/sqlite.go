package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"idempay/internal/model"
)

// SQLite is the durable registry backend. Reserve runs a serializable
// read-decide-upsert transaction, so the check and the insert commit as one
// unit; sqlite's single-writer model provides the per-key linearization.
// BUSY/LOCKED surfaces as model.ErrStoreBusy, which callers treat as
// transient.
type SQLite struct {
	db           *sql.DB
	pollInterval time.Duration
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

func mapSQLiteErr(err error) error {
	if isSQLiteBusy(err) {
		return model.ErrStoreBusy
	}
	return err
}

func encodeOutcome(out model.ChargeOutcome) (string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode outcome: %w", err)
	}
	return string(b), nil
}

func decodeOutcome(raw string) (*model.ChargeOutcome, error) {
	var out model.ChargeOutcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

func (s *SQLite) Reserve(ctx context.Context, key string, fp model.Fingerprint, ttl time.Duration) (model.Reservation, error) {
	now := time.Now()
	nowNs := now.UnixNano()
	expiryNs := now.Add(ttl).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return model.Reservation{}, mapSQLiteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curFP  string
		curSt  string
		curOut sql.NullString
		curExp int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT fingerprint, state, outcome_json, expires_at_ns
FROM idempotency_records WHERE idem_key = ?;
`, key).Scan(&curFP, &curSt, &curOut, &curExp)

	notFound := errors.Is(err, sql.ErrNoRows)
	if err != nil && !notFound {
		return model.Reservation{}, mapSQLiteErr(err)
	}

	live := !notFound && curExp > nowNs

	if live {
		if model.Fingerprint(curFP) != fp {
			return model.Reservation{Status: model.StatusConflict}, mapSQLiteErr(tx.Commit())
		}
		switch model.RecordState(curSt) {
		case model.StateCompleted:
			if !curOut.Valid {
				return model.Reservation{}, fmt.Errorf("completed record for key %q has no outcome", key)
			}
			out, derr := decodeOutcome(curOut.String)
			if derr != nil {
				return model.Reservation{}, derr
			}
			return model.Reservation{Status: model.StatusExistingMatch, Outcome: out}, mapSQLiteErr(tx.Commit())
		case model.StatePending:
			return model.Reservation{
				Status: model.StatusExistingMatch,
				Ticket: model.Ticket{Key: key, Fingerprint: fp},
			}, mapSQLiteErr(tx.Commit())
		}
		// StateFailed with a matching fingerprint: released slot, fall
		// through to reclaim it.
	}

	// Absent, expired, or released: claim the key under fp (atomic upsert).
	_, err = tx.ExecContext(ctx, `
INSERT INTO idempotency_records(idem_key, fingerprint, state, outcome_json, created_at_ns, expires_at_ns, version, updated_at_ns)
VALUES(?, ?, ?, NULL, ?, ?, 1, ?)
ON CONFLICT(idem_key) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  state = excluded.state,
  outcome_json = NULL,
  created_at_ns = excluded.created_at_ns,
  expires_at_ns = excluded.expires_at_ns,
  version = idempotency_records.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, key, string(fp), string(model.StatePending), nowNs, expiryNs, nowNs)
	if err != nil {
		return model.Reservation{}, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return model.Reservation{}, mapSQLiteErr(err)
	}
	// created_at_ns doubles as the attempt token: Complete/Fail only apply
	// while the row still carries it.
	return model.Reservation{Status: model.StatusCreated, Token: nowNs}, nil
}

// AwaitCompletion polls the record until it leaves pending. Polling keeps
// the wait cooperative across processes sharing the same database file.
func (s *SQLite) AwaitCompletion(ctx context.Context, t model.Ticket, timeout time.Duration) (model.ChargeOutcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		rec, ok, err := s.Lookup(ctx, t.Key)
		if err != nil && !errors.Is(err, model.ErrStoreBusy) {
			return model.ChargeOutcome{}, err
		}
		if err == nil {
			if !ok || rec.Fingerprint != t.Fingerprint || rec.State == model.StateFailed {
				return model.ChargeOutcome{}, model.ErrReservationReleased
			}
			if rec.State == model.StateCompleted {
				return *rec.Outcome, nil
			}
		}

		select {
		case <-ctx.Done():
			return model.ChargeOutcome{}, ctx.Err()
		case <-deadline.C:
			return model.ChargeOutcome{}, model.ErrAwaitTimeout
		case <-tick.C:
		}
	}
}

func (s *SQLite) Complete(ctx context.Context, key string, token int64, out model.ChargeOutcome) error {
	raw, err := encodeOutcome(out)
	if err != nil {
		return err
	}
	nowNs := time.Now().UnixNano()

	// The expiry and token guards make a post-TTL completion affect zero
	// rows, even when a successor attempt already re-claimed the key: the
	// outcome is dropped and a later retry re-executes.
	_, err = s.db.ExecContext(ctx, `
UPDATE idempotency_records
SET state = ?,
    outcome_json = ?,
    version = version + 1,
    updated_at_ns = ?
WHERE idem_key = ?
  AND state = ?
  AND expires_at_ns > ?
  AND created_at_ns = ?;
`, string(model.StateCompleted), raw, nowNs, key, string(model.StatePending), nowNs, token)
	return mapSQLiteErr(err)
}

func (s *SQLite) Fail(ctx context.Context, key string, token int64) error {
	nowNs := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records
SET state = ?,
    outcome_json = NULL,
    version = version + 1,
    updated_at_ns = ?
WHERE idem_key = ?
  AND state = ?
  AND expires_at_ns > ?
  AND created_at_ns = ?;
`, string(model.StateFailed), nowNs, key, string(model.StatePending), nowNs, token)
	return mapSQLiteErr(err)
}

func (s *SQLite) Lookup(ctx context.Context, key string) (model.IdempotencyRecord, bool, error) {
	nowNs := time.Now().UnixNano()

	var (
		fpStr     string
		stStr     string
		outRaw    sql.NullString
		createdNs int64
		expiryNs  int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT fingerprint, state, outcome_json, created_at_ns, expires_at_ns
FROM idempotency_records WHERE idem_key = ?;
`, key).Scan(&fpStr, &stStr, &outRaw, &createdNs, &expiryNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, mapSQLiteErr(err)
	}

	if expiryNs <= nowNs {
		// Lazy eviction; the reaper would get it eventually anyway.
		_, _ = s.db.ExecContext(ctx, `
DELETE FROM idempotency_records WHERE idem_key = ? AND expires_at_ns <= ?;
`, key, nowNs)
		return model.IdempotencyRecord{}, false, nil
	}

	rec := model.IdempotencyRecord{
		Key:         key,
		Fingerprint: model.Fingerprint(fpStr),
		State:       model.RecordState(stStr),
		CreatedAt:   time.Unix(0, createdNs),
		ExpiresAt:   time.Unix(0, expiryNs),
	}
	if outRaw.Valid {
		out, derr := decodeOutcome(outRaw.String)
		if derr != nil {
			return model.IdempotencyRecord{}, false, derr
		}
		rec.Outcome = out
	}
	return rec, true, nil
}

func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) (removed, live int64, err error) {
	nowNs := now.UnixNano()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_records WHERE expires_at_ns <= ?;
`, nowNs)
	if err != nil {
		return 0, 0, mapSQLiteErr(err)
	}
	removed, _ = res.RowsAffected()

	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM idempotency_records WHERE expires_at_ns > ?;
`, nowNs).Scan(&live)
	if err != nil {
		return removed, 0, mapSQLiteErr(err)
	}
	return removed, live, nil
}

func (s *SQLite) Close() error { return nil } // storage owns the *sql.DB
