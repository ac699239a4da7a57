package model_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"idempay/internal/model"
	"idempay/internal/registry"
	"idempay/internal/storage"
)

// TestDuplicateStormConvergesOnSQLite fires many concurrent clients at a
// small shared key space through the durable backend and checks the core
// safety property: one gateway execution and one transaction id per live key,
// no matter how the duplicates interleave.
func TestDuplicateStormConvergesOnSQLite(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "idempay_storm.db")

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gw := &countingGateway{delay: 10 * time.Millisecond}
	svc := model.NewService(registry.NewSQLite(db.DB), gw, nil, nil, model.Config{
		TTL:          time.Minute,
		OpTimeout:    5 * time.Second,
		AwaitTimeout: 3 * time.Second,
	})

	const (
		clients  = 30
		keySpace = 8
	)
	testDur := 3 * time.Second

	// key -> set of transaction ids observed by any client
	var trackMu sync.Mutex
	observed := make(map[string]map[string]struct{})
	observe := func(key, txn string) {
		trackMu.Lock()
		defer trackMu.Unlock()
		set, ok := observed[key]
		if !ok {
			set = make(map[string]struct{})
			observed[key] = set
		}
		set[txn] = struct{}{}
	}

	var (
		chargeOK  int64
		conflicts int64
		inFlight  int64
		busy      int64
		opErrors  int64
	)

	runCtx, cancel := context.WithTimeout(ctx, testDur)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(clients)

	for i := 0; i < clients; i++ {
		i := i
		go func() {
			defer wg.Done()

			for runCtx.Err() == nil {
				keyIdx := i % keySpace
				key := fmt.Sprintf("storm-%d", keyIdx)

				// Identical payload per key so every duplicate matches;
				// occasionally inject a mismatch to exercise conflicts.
				req := model.ChargeRequest{
					CustomerID:  fmt.Sprintf("cust-%d", keyIdx),
					AmountMinor: int64(1000 + keyIdx),
					Currency:    "USD",
				}
				if i%11 == 0 {
					req.AmountMinor++ // expect a conflict for this client
				}

				out, err := svc.Charge(runCtx, key, req)
				switch {
				case err == nil:
					atomic.AddInt64(&chargeOK, 1)
					observe(key, out.TransactionID)
				case errors.Is(err, model.ErrConflict):
					atomic.AddInt64(&conflicts, 1)
				case errors.Is(err, model.ErrInFlight):
					atomic.AddInt64(&inFlight, 1)
					time.Sleep(20 * time.Millisecond)
				case errors.Is(err, model.ErrStoreBusy):
					atomic.AddInt64(&busy, 1)
					time.Sleep(10 * time.Millisecond)
				case runCtx.Err() != nil:
					return
				default:
					atomic.AddInt64(&opErrors, 1)
				}

				time.Sleep(2 * time.Millisecond)
			}
		}()
	}

	wg.Wait()

	if chargeOK == 0 {
		t.Fatalf("no successful charges; storm did not exercise the service")
	}

	diverged := 0
	trackMu.Lock()
	keysTouched := len(observed)
	for key, set := range observed {
		if len(set) > 1 {
			diverged++
			t.Errorf("key %s produced %d distinct transaction ids", key, len(set))
		}
	}
	trackMu.Unlock()

	// Every key executed once: the gateway call count must equal the number
	// of keys that ever produced an outcome.
	if gw.count() != int64(keysTouched) {
		t.Errorf("gateway executed %d times for %d keys", gw.count(), keysTouched)
	}

	mismatchers := 0
	for i := 0; i < clients; i++ {
		if i%11 == 0 {
			mismatchers++
		}
	}
	if mismatchers > 0 && conflicts == 0 {
		t.Errorf("mismatch injection produced no conflicts")
	}

	t.Log("\n================= idempay Duplicate Storm Report =================")
	t.Logf("Duration:              %v", testDur)
	t.Logf("Clients:               %d", clients)
	t.Logf("Key Space:             %d", keySpace)
	t.Log("------------------------------------------------------------------")
	t.Logf("Charges OK:            %d", chargeOK)
	t.Logf("Conflicts (409):       %d", conflicts)
	t.Logf("In-Flight Waits:       %d", inFlight)
	t.Logf("Store Busy Retries:    %d", busy)
	t.Logf("Operational Errors:    %d", opErrors)
	t.Log("------------------------------------------------------------------")
	t.Logf("Keys Touched:          %d", keysTouched)
	t.Logf("Keys Diverged:         %d", diverged)
	t.Logf("Gateway Executions:    %d", gw.count())
	t.Log("------------------------------------------------------------------")

	if diverged == 0 && gw.count() == int64(keysTouched) {
		t.Log("Safety Property:       PASS (one execution, one transaction id per key)")
	} else {
		t.Logf("Safety Property:       FAIL (diverged=%d executions=%d keys=%d)", diverged, gw.count(), keysTouched)
	}
	t.Log("==================================================================")
}
