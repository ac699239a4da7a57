// Package gateway models the external payment operation. The coordinator
// treats a Processor as an opaque, possibly slow, possibly failing call; the
// only contract is that it honors its context.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"idempay/internal/model"
)

type Processor interface {
	Charge(ctx context.Context, req model.ChargeRequest) (model.ChargeOutcome, error)
}

// ErrDeclined is the simulated gateway's terminal failure.
var ErrDeclined = errors.New("charge declined by gateway")

// Simulated stands in for a real payment gateway. Latency and a failure
// rate are injectable so load tests can exercise the failure paths.
type Simulated struct {
	Latency  time.Duration
	FailRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(latency time.Duration, failRate float64) *Simulated {
	return &Simulated{
		Latency:  latency,
		FailRate: failRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Simulated) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

func (g *Simulated) Charge(ctx context.Context, req model.ChargeRequest) (model.ChargeOutcome, error) {
	if g.Latency > 0 {
		timer := time.NewTimer(g.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.ChargeOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	if g.FailRate > 0 && g.roll() < g.FailRate {
		return model.ChargeOutcome{}, ErrDeclined
	}

	txn := "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return model.ChargeOutcome{
		TransactionID: txn,
		Status:        "SUCCESS",
		AmountMinor:   req.AmountMinor,
		Currency:      req.Currency,
		ProcessedAtMS: time.Now().UnixMilli(),
		Message:       "Payment processed successfully",
	}, nil
}
