package chargeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const idempotencyKeyHeader = "Idempotency-Key"

type Client struct {
	baseURL string
	http    *http.Client
	rng     *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Wire format (matches the HTTP API) ----

type errResp struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ---- Low-level operations ----

// ChargeOnce issues a single charge attempt. An in-flight duplicate or a
// busy store comes back as a non-nil *InFlightError with a nil error, so
// callers can distinguish "retry later" from hard failures.
func (c *Client) ChargeOnce(ctx context.Context, key string, req ChargeRequest) (ChargeOutcome, *InFlightError, error) {
	if strings.TrimSpace(key) == "" {
		return ChargeOutcome{}, nil, fmt.Errorf("idempotency key required")
	}

	path := c.baseURL + "/v1/charges"

	var out ChargeOutcome
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, key, req, &out)
	if err != nil {
		return ChargeOutcome{}, nil, err
	}

	switch code {
	case http.StatusOK:
		return out, nil, nil

	case http.StatusConflict:
		var er errResp
		_ = json.Unmarshal([]byte(raw), &er)
		return ChargeOutcome{}, nil, &ConflictError{Key: key, Reason: er.Reason}

	case http.StatusServiceUnavailable:
		var er errResp
		_ = json.Unmarshal([]byte(raw), &er)
		return ChargeOutcome{}, &InFlightError{
			Key:          key,
			Reason:       er.Reason,
			RetryAfterMS: er.RetryAfterMS,
		}, nil

	case http.StatusBadGateway:
		var er errResp
		_ = json.Unmarshal([]byte(raw), &er)
		return ChargeOutcome{}, nil, &UpstreamError{Key: key, Message: er.Error}
	}

	return ChargeOutcome{}, nil, &UnexpectedStatusError{
		Method: http.MethodPost,
		Path:   path,
		Code:   code,
		Body:   raw,
	}
}

// GetRecord fetches the live record snapshot for key; found=false when the
// key has no live record (never seen, or expired).
func (c *Client) GetRecord(ctx context.Context, key string) (Record, bool, error) {
	if strings.TrimSpace(key) == "" {
		return Record{}, false, fmt.Errorf("idempotency key required")
	}

	path := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, key)

	var rec Record
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, "", nil, &rec)
	if err != nil {
		return Record{}, false, err
	}
	switch code {
	case http.StatusOK:
		return rec, true, nil
	case http.StatusNotFound:
		return Record{}, false, nil
	}
	return Record{}, false, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
}

// doJSON sends JSON and optionally decodes the JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url, idemKey string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		httpReq.Header.Set(idempotencyKeyHeader, idemKey)
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(data))

	if resp != nil && len(data) > 0 {
		_ = json.Unmarshal(data, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}

// ---- Retry wrapper ----

// ChargeWithRetry retries only while the server reports the duplicate as
// still in flight (or the store busy). Conflicts and upstream failures are
// surfaced immediately.
func (c *Client) ChargeWithRetry(ctx context.Context, key string, req ChargeRequest, opt ChargeOptions) (ChargeOutcome, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastIF *InFlightError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastIF != nil {
				return ChargeOutcome{}, lastIF
			}
			return ChargeOutcome{}, context.DeadlineExceeded
		}

		out, inflight, err := c.ChargeOnce(ctx, key, req)
		if err != nil {
			return ChargeOutcome{}, err
		}
		if inflight == nil {
			return out, nil
		}

		lastIF = inflight
		// Backoff: honor the server's retry hint if present; clamp and add jitter.
		sleep := time.Duration(inflight.RetryAfterMS) * time.Millisecond
		if sleep <= 0 {
			// exponential-ish based on attempt
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(c.rng, sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChargeOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastIF != nil {
		return ChargeOutcome{}, lastIF
	}
	return ChargeOutcome{}, fmt.Errorf("charge failed")
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
