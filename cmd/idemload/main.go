package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type chargeResp struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	ProcessedAtMS int64  `json:"processed_at_ms"`
	Message       string `json:"message,omitempty"`
}

type errResp struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ConvergenceTracker records every transaction id observed per key. Exactly
// one id per key is the pass condition: duplicates that diverge mean the
// server double-executed.
type ConvergenceTracker struct {
	mu   sync.Mutex
	txns map[string]map[string]struct{} // key -> set of txn ids
}

func NewConvergenceTracker() *ConvergenceTracker {
	return &ConvergenceTracker{txns: make(map[string]map[string]struct{})}
}

func (t *ConvergenceTracker) Observe(key, txn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.txns[key]
	if !ok {
		set = make(map[string]struct{})
		t.txns[key] = set
	}
	set[txn] = struct{}{}
}

func (t *ConvergenceTracker) Report() (keys, diverged int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.txns {
		keys++
		if len(set) > 1 {
			diverged++
		}
	}
	return keys, diverged
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "idempay base URL")
		clients  = flag.Int("clients", 50, "number of concurrent clients")
		keys     = flag.Int("keys", 10, "size of the shared idempotency key space")
		duration = flag.Duration("duration", 20*time.Second, "test duration")
		mismatch = flag.Float64("mismatchrate", 0.02, "probability to reuse a key with a different payload (expect 409)")
	)
	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	httpc := &http.Client{Timeout: 10 * time.Second}
	tracker := NewConvergenceTracker()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		chargeOK  int64
		conflicts int64
		inFlight  int64
		upstream  int64
		errCount  int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				keyIdx := rand.Intn(*keys)
				key := fmt.Sprintf("load-%d", keyIdx)

				// Every client firing the same key sends the identical
				// payload, except for deliberate mismatch injection.
				customer := fmt.Sprintf("cust-%d", keyIdx)
				amount := int64(1000 + keyIdx)
				if rand.Float64() < *mismatch {
					amount++ // expect a 409 for this one
				}

				out, status, retryMS, err := charge(ctx, httpc, *baseURL, key, customer, amount)
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}

				switch status {
				case http.StatusOK:
					atomic.AddInt64(&chargeOK, 1)
					tracker.Observe(key, out.TransactionID)
				case http.StatusConflict:
					atomic.AddInt64(&conflicts, 1)
				case http.StatusServiceUnavailable:
					atomic.AddInt64(&inFlight, 1)
					sleep := time.Duration(retryMS) * time.Millisecond
					if sleep <= 0 {
						sleep = 20 * time.Millisecond
					}
					time.Sleep(sleep)
				case http.StatusBadGateway:
					atomic.AddInt64(&upstream, 1)
				default:
					atomic.AddInt64(&errCount, 1)
				}

				// small think time to avoid a tight loop
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	totalKeys, diverged := tracker.Report()

	fmt.Println("=== idempay Duplicate-Fire Test ===")
	fmt.Printf("duration: %s, clients: %d, key space: %d\n", elapsed, *clients, *keys)
	fmt.Printf("charge_ok:       %d\n", chargeOK)
	fmt.Printf("conflicts:       %d\n", conflicts)
	fmt.Printf("in_flight_waits: %d\n", inFlight)
	fmt.Printf("upstream_fails:  %d\n", upstream)
	fmt.Printf("errors:          %d\n", errCount)
	fmt.Printf("keys_touched:    %d\n", totalKeys)
	fmt.Printf("keys_diverged:   %d\n", diverged)

	if diverged == 0 {
		fmt.Println("convergence:     PASS (one transaction id per key)")
	} else {
		fmt.Println("convergence:     FAIL (same key produced multiple transaction ids)")
	}
}

func charge(ctx context.Context, c *http.Client, baseURL, key, customer string, amountMinor int64) (chargeResp, int, int64, error) {
	body := map[string]interface{}{
		"customer_id":  customer,
		"amount_minor": amountMinor,
		"currency":     "USD",
	}
	b, _ := json.Marshal(body)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/charges", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.Do(req)
	if err != nil {
		return chargeResp{}, 0, 0, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var cr chargeResp
		if err := json.Unmarshal(data, &cr); err != nil {
			return chargeResp{}, 0, 0, fmt.Errorf("decode charge: %v body=%s", err, string(data))
		}
		return cr, resp.StatusCode, 0, nil
	}

	var er errResp
	_ = json.Unmarshal(data, &er)
	return chargeResp{}, resp.StatusCode, er.RetryAfterMS, nil
}
