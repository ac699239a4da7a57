package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"idempay/internal/model"
	"idempay/internal/registry"
)

func mustFingerprint(t *testing.T, req model.ChargeRequest) model.Fingerprint {
	t.Helper()
	fp, err := model.FingerprintOf(req)
	if err != nil {
		t.Fatalf("fingerprint err: %v", err)
	}
	return fp
}

func sampleOutcome(txn string) model.ChargeOutcome {
	return model.ChargeOutcome{
		TransactionID: txn,
		Status:        "SUCCESS",
		AmountMinor:   9999,
		Currency:      "USD",
		ProcessedAtMS: time.Now().UnixMilli(),
	}
}

// runRegistryContract exercises the core Reserve/Complete/Fail semantics
// shared by every backend.
func runRegistryContract(t *testing.T, reg model.Registry) {
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 9999, Currency: "USD"})
	otherFP := mustFingerprint(t, model.ChargeRequest{CustomerID: "c2", AmountMinor: 9999, Currency: "USD"})
	ttl := time.Minute

	// First reserve wins the slot.
	res, err := reg.Reserve(ctx, "k1", fp, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res.Status != model.StatusCreated {
		t.Fatalf("expected Created, got %v", res.Status)
	}

	// Same fingerprint while pending: existing match with an await ticket.
	res2, err := reg.Reserve(ctx, "k1", fp, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res2.Status != model.StatusExistingMatch || res2.Outcome != nil {
		t.Fatalf("expected pending ExistingMatch, got %+v", res2)
	}

	// Different fingerprint: conflict, nothing mutated.
	res3, err := reg.Reserve(ctx, "k1", otherFP, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res3.Status != model.StatusConflict {
		t.Fatalf("expected Conflict, got %v", res3.Status)
	}

	// Complete, then a duplicate reserve replays the stored outcome.
	if err := reg.Complete(ctx, "k1", res.Token, sampleOutcome("txn_1")); err != nil {
		t.Fatalf("complete err: %v", err)
	}
	res4, err := reg.Reserve(ctx, "k1", fp, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res4.Status != model.StatusExistingMatch || res4.Outcome == nil {
		t.Fatalf("expected completed ExistingMatch, got %+v", res4)
	}
	if res4.Outcome.TransactionID != "txn_1" {
		t.Fatalf("expected replayed txn_1, got %s", res4.Outcome.TransactionID)
	}

	// A completed record still conflicts with a different fingerprint.
	res5, err := reg.Reserve(ctx, "k1", otherFP, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res5.Status != model.StatusConflict {
		t.Fatalf("expected Conflict on completed record, got %v", res5.Status)
	}

	// Failed reservations release the slot for the same fingerprint...
	res6, err := reg.Reserve(ctx, "k2", fp, ttl)
	if err != nil || res6.Status != model.StatusCreated {
		t.Fatalf("k2 reserve: %+v err=%v", res6, err)
	}
	if err := reg.Fail(ctx, "k2", res6.Token); err != nil {
		t.Fatalf("fail err: %v", err)
	}
	res7, err := reg.Reserve(ctx, "k2", fp, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res7.Status != model.StatusCreated {
		t.Fatalf("expected Created after failure, got %v", res7.Status)
	}

	// ...but still conflict with a different fingerprint until expiry.
	if err := reg.Fail(ctx, "k2", res7.Token); err != nil {
		t.Fatalf("fail err: %v", err)
	}
	res8, err := reg.Reserve(ctx, "k2", otherFP, ttl)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res8.Status != model.StatusConflict {
		t.Fatalf("expected Conflict on failed record, got %v", res8.Status)
	}
}

// runStaleAttemptScenario checks that a Complete or Fail arriving after the
// attempt's TTL cannot touch a successor reservation that re-claimed the
// key: the stale outcome is dropped and the successor's own completion
// still lands.
func runStaleAttemptScenario(t *testing.T, reg model.Registry, ttl time.Duration) {
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})

	res1, err := reg.Reserve(ctx, "k", fp, ttl)
	if err != nil || res1.Status != model.StatusCreated {
		t.Fatalf("first reserve: %+v err=%v", res1, err)
	}

	time.Sleep(ttl + 50*time.Millisecond)

	// A retry re-claims the expired key before attempt 1's operation lands.
	res2, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil {
		t.Fatalf("second reserve err: %v", err)
	}
	if res2.Status != model.StatusCreated {
		t.Fatalf("expected Created after expiry, got %v", res2.Status)
	}

	// Attempt 1's late completion must not contaminate attempt 2's slot.
	if err := reg.Complete(ctx, "k", res1.Token, sampleOutcome("txn_stale")); err != nil {
		t.Fatalf("stale complete err: %v", err)
	}
	rec, ok, err := reg.Lookup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("lookup after stale complete: ok=%v err=%v", ok, err)
	}
	if rec.State != model.StatePending || rec.Outcome != nil {
		t.Fatalf("stale completion reached the successor: state=%s outcome=%+v", rec.State, rec.Outcome)
	}

	// A stale failure must not release the live reservation either.
	if err := reg.Fail(ctx, "k", res1.Token); err != nil {
		t.Fatalf("stale fail err: %v", err)
	}
	rec, ok, err = reg.Lookup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("lookup after stale fail: ok=%v err=%v", ok, err)
	}
	if rec.State != model.StatePending {
		t.Fatalf("stale failure released the successor: state=%s", rec.State)
	}

	// Attempt 2's own completion still applies and is the one replayed.
	if err := reg.Complete(ctx, "k", res2.Token, sampleOutcome("txn_real")); err != nil {
		t.Fatalf("complete err: %v", err)
	}
	res3, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil {
		t.Fatalf("replay reserve err: %v", err)
	}
	if res3.Status != model.StatusExistingMatch || res3.Outcome == nil {
		t.Fatalf("expected completed ExistingMatch, got %+v", res3)
	}
	if res3.Outcome.TransactionID != "txn_real" {
		t.Fatalf("expected txn_real to be replayed, got %s", res3.Outcome.TransactionID)
	}
}

func TestMemoryRegistryContract(t *testing.T) {
	runRegistryContract(t, registry.NewMemory())
}

func TestMemoryReserveSingleWinnerUnderContention(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})

	const goroutines = 100
	var created int64
	var others int64

	start := make(chan struct{})
	wg := sync.WaitGroup{}
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			res, err := reg.Reserve(ctx, "hotkey", fp, time.Minute)
			if err != nil {
				t.Errorf("reserve err: %v", err)
				return
			}
			if res.Status == model.StatusCreated {
				atomic.AddInt64(&created, 1)
			} else {
				atomic.AddInt64(&others, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly 1 Created, got %d (others=%d)", created, others)
	}
	if others != goroutines-1 {
		t.Fatalf("expected %d ExistingMatch, got %d", goroutines-1, others)
	}
}

func TestMemoryAwaitWakesOnComplete(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})

	res1, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil || res1.Status != model.StatusCreated {
		t.Fatalf("reserve: %+v err=%v", res1, err)
	}
	res, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil || res.Status != model.StatusExistingMatch {
		t.Fatalf("dup reserve: %+v err=%v", res, err)
	}

	done := make(chan struct{})
	var got model.ChargeOutcome
	var awaitErr error
	go func() {
		defer close(done)
		got, awaitErr = reg.AwaitCompletion(ctx, res.Ticket, 2*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	if err := reg.Complete(ctx, "k", res1.Token, sampleOutcome("txn_wake")); err != nil {
		t.Fatalf("complete err: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("await did not wake after complete")
	}
	if awaitErr != nil {
		t.Fatalf("await err: %v", awaitErr)
	}
	if got.TransactionID != "txn_wake" {
		t.Fatalf("expected txn_wake, got %s", got.TransactionID)
	}
}

func TestMemoryAwaitTimeoutAndFailure(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})

	res1, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil || res1.Status != model.StatusCreated {
		t.Fatalf("reserve: %+v err=%v", res1, err)
	}
	res, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil {
		t.Fatalf("dup reserve err: %v", err)
	}

	if _, err := reg.AwaitCompletion(ctx, res.Ticket, 50*time.Millisecond); !errors.Is(err, model.ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}

	// Failure wakes waiters with a released signal.
	res2, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil {
		t.Fatalf("dup reserve err: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = reg.Fail(context.Background(), "k", res1.Token)
	}()
	if _, err := reg.AwaitCompletion(ctx, res2.Ticket, 2*time.Second); !errors.Is(err, model.ErrReservationReleased) {
		t.Fatalf("expected ErrReservationReleased, got %v", err)
	}
}

func TestMemoryExpiryMakesKeyReusable(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})
	otherFP := mustFingerprint(t, model.ChargeRequest{CustomerID: "c2", AmountMinor: 100, Currency: "USD"})
	ttl := 40 * time.Millisecond

	res1, err := reg.Reserve(ctx, "k", fp, ttl)
	if err != nil || res1.Status != model.StatusCreated {
		t.Fatalf("reserve: %+v err=%v", res1, err)
	}
	if err := reg.Complete(ctx, "k", res1.Token, sampleOutcome("txn_old")); err != nil {
		t.Fatalf("complete err: %v", err)
	}

	time.Sleep(ttl + 20*time.Millisecond)

	// After expiry even a different fingerprint is accepted fresh.
	before := time.Now()
	res, err := reg.Reserve(ctx, "k", otherFP, time.Minute)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res.Status != model.StatusCreated {
		t.Fatalf("expected Created after expiry, got %v", res.Status)
	}

	// The reinserted record carries fresh timestamps, not the ones from the
	// evicted attempt.
	rec, ok, err := reg.Lookup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("lookup after re-reserve: ok=%v err=%v", ok, err)
	}
	if rec.CreatedAt.Before(before) {
		t.Fatalf("reinserted record kept a stale creation time: %v < %v", rec.CreatedAt, before)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		t.Fatalf("reinserted record is already expired: %v", rec.ExpiresAt)
	}
}

func TestMemoryCompletionAfterExpiryIsDropped(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})
	ttl := 30 * time.Millisecond

	res1, err := reg.Reserve(ctx, "k", fp, ttl)
	if err != nil || res1.Status != model.StatusCreated {
		t.Fatalf("reserve: %+v err=%v", res1, err)
	}

	time.Sleep(ttl + 20*time.Millisecond)

	// The slow operation finishes after the TTL: outcome must be dropped.
	if err := reg.Complete(ctx, "k", res1.Token, sampleOutcome("txn_late")); err != nil {
		t.Fatalf("complete err: %v", err)
	}

	res, err := reg.Reserve(ctx, "k", fp, time.Minute)
	if err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if res.Status != model.StatusCreated {
		t.Fatalf("late outcome was cached: got %v", res.Status)
	}
}

func TestMemoryStaleCompletionCannotClobberSuccessor(t *testing.T) {
	runStaleAttemptScenario(t, registry.NewMemory(), 30*time.Millisecond)
}

func TestMemorySweepExpired(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	fp := mustFingerprint(t, model.ChargeRequest{CustomerID: "c1", AmountMinor: 100, Currency: "USD"})

	if _, err := reg.Reserve(ctx, "short", fp, 20*time.Millisecond); err != nil {
		t.Fatalf("reserve err: %v", err)
	}
	if _, err := reg.Reserve(ctx, "long", fp, time.Minute); err != nil {
		t.Fatalf("reserve err: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	removed, live, err := reg.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep err: %v", err)
	}
	if removed != 1 || live != 1 {
		t.Fatalf("expected removed=1 live=1, got removed=%d live=%d", removed, live)
	}

	if _, ok, err := reg.Lookup(ctx, "short"); err != nil || ok {
		t.Fatalf("expected short to be gone, ok=%v err=%v", ok, err)
	}
	if _, ok, err := reg.Lookup(ctx, "long"); err != nil || !ok {
		t.Fatalf("expected long to remain, ok=%v err=%v", ok, err)
	}
}
