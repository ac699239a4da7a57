package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"idempay/internal/model"
)

// reserveScript performs the whole reserve decision atomically server-side.
// KEYS[1] = record key
// ARGV[1] = fingerprint
// ARGV[2] = ttl (ms)
// ARGV[3] = current unix time (ms)
// ARGV[4] = expiry unix time (ms)
// Returns {"created"} | {"conflict"} | {"pending"} | {"completed", outcome}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local fp = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local now_ms = ARGV[3]
local expires_ms = ARGV[4]

if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "fingerprint", fp, "state", "pending", "created_at_ms", now_ms, "expires_at_ms", expires_ms)
    redis.call("PEXPIRE", key, ttl_ms)
    return {"created"}
end

local cur = redis.call("HMGET", key, "fingerprint", "state", "outcome")
if cur[1] ~= fp then
    return {"conflict"}
end
if cur[2] == "failed" then
    redis.call("DEL", key)
    redis.call("HSET", key, "fingerprint", fp, "state", "pending", "created_at_ms", now_ms, "expires_at_ms", expires_ms)
    redis.call("PEXPIRE", key, ttl_ms)
    return {"created"}
end
if cur[2] == "completed" then
    return {"completed", cur[3]}
end
return {"pending"}
`)

// completeScript transitions pending -> completed. A record that already
// expired no longer exists, so the outcome is silently dropped; the
// created_at_ms guard (ARGV[2] is the attempt token) drops it likewise when
// a successor attempt has re-claimed the key in the meantime.
var completeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1
    and redis.call("HGET", KEYS[1], "state") == "pending"
    and redis.call("HGET", KEYS[1], "created_at_ms") == ARGV[2] then
    redis.call("HSET", KEYS[1], "state", "completed", "outcome", ARGV[1])
    return 1
end
return 0
`)

// failScript transitions pending -> failed under the same token guard
// (ARGV[1] is the attempt token).
var failScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1
    and redis.call("HGET", KEYS[1], "state") == "pending"
    and redis.call("HGET", KEYS[1], "created_at_ms") == ARGV[1] then
    redis.call("HSET", KEYS[1], "state", "failed")
    redis.call("HDEL", KEYS[1], "outcome")
    return 1
end
return 0
`)

// Redis is the networked-cache registry backend for multi-instance
// deployments. Expiry is native (PEXPIRE at reserve time); the reaper sweep
// has nothing to remove and only refreshes the live gauge.
type Redis struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "idem:"
	}
	return &Redis{
		client:       client,
		prefix:       prefix,
		pollInterval: 20 * time.Millisecond,
	}
}

func (r *Redis) recordKey(key string) string { return r.prefix + key }

func (r *Redis) Reserve(ctx context.Context, key string, fp model.Fingerprint, ttl time.Duration) (model.Reservation, error) {
	now := time.Now()
	res, err := reserveScript.Run(ctx, r.client, []string{r.recordKey(key)},
		string(fp),
		ttl.Milliseconds(),
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
	).Result()
	if err != nil {
		return model.Reservation{}, fmt.Errorf("redis reserve: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return model.Reservation{}, fmt.Errorf("redis reserve: invalid script response %T", res)
	}
	status, _ := parts[0].(string)

	switch status {
	case "created":
		// created_at_ms is the attempt token for Complete/Fail.
		return model.Reservation{Status: model.StatusCreated, Token: now.UnixMilli()}, nil
	case "conflict":
		return model.Reservation{Status: model.StatusConflict}, nil
	case "pending":
		return model.Reservation{
			Status: model.StatusExistingMatch,
			Ticket: model.Ticket{Key: key, Fingerprint: fp},
		}, nil
	case "completed":
		if len(parts) < 2 {
			return model.Reservation{}, fmt.Errorf("redis reserve: completed without outcome")
		}
		raw, _ := parts[1].(string)
		out, derr := decodeOutcome(raw)
		if derr != nil {
			return model.Reservation{}, derr
		}
		return model.Reservation{Status: model.StatusExistingMatch, Outcome: out}, nil
	default:
		return model.Reservation{}, fmt.Errorf("redis reserve: unknown status %q", status)
	}
}

func (r *Redis) AwaitCompletion(ctx context.Context, t model.Ticket, timeout time.Duration) (model.ChargeOutcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(r.pollInterval)
	defer tick.Stop()

	for {
		rec, ok, err := r.Lookup(ctx, t.Key)
		if err != nil {
			return model.ChargeOutcome{}, err
		}
		if !ok || rec.Fingerprint != t.Fingerprint || rec.State == model.StateFailed {
			return model.ChargeOutcome{}, model.ErrReservationReleased
		}
		if rec.State == model.StateCompleted {
			return *rec.Outcome, nil
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

func (r *Redis) Complete(ctx context.Context, key string, token int64, out model.ChargeOutcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := completeScript.Run(ctx, r.client, []string{r.recordKey(key)}, string(raw), token).Err(); err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	return nil
}

func (r *Redis) Fail(ctx context.Context, key string, token int64) error {
	if err := failScript.Run(ctx, r.client, []string{r.recordKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis fail: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, key string) (model.IdempotencyRecord, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("redis lookup: %w", err)
	}
	if len(fields) == 0 {
		return model.IdempotencyRecord{}, false, nil
	}

	createdMS, _ := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	expiresMS, _ := strconv.ParseInt(fields["expires_at_ms"], 10, 64)

	rec := model.IdempotencyRecord{
		Key:         key,
		Fingerprint: model.Fingerprint(fields["fingerprint"]),
		State:       model.RecordState(fields["state"]),
		CreatedAt:   time.UnixMilli(createdMS),
		ExpiresAt:   time.UnixMilli(expiresMS),
	}
	if raw, ok := fields["outcome"]; ok && raw != "" {
		out, derr := decodeOutcome(raw)
		if derr != nil {
			return model.IdempotencyRecord{}, false, derr
		}
		rec.Outcome = out
	}
	return rec, true, nil
}

func (r *Redis) SweepExpired(ctx context.Context, now time.Time) (removed, live int64, err error) {
	var cursor uint64
	for {
		keys, next, serr := r.client.Scan(ctx, cursor, r.prefix+"*", 256).Result()
		if serr != nil {
			return 0, 0, fmt.Errorf("redis scan: %w", serr)
		}
		live += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return 0, live, nil
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
