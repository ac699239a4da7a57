package model

import (
	"context"
	"time"

	"idempay/internal/obs"
)

// Reaper periodically removes expired idempotency records. Correctness
// never depends on it (Reserve and Lookup evict lazily); it exists to bound
// store growth and to keep the live-records gauge fresh.
type Reaper struct {
	registry Registry
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewReaper(reg Registry, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reaper{
		registry: reg,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (rp *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(rp.interval)
	defer t.Stop()

	// Run once immediately
	rp.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rp.sweepOnce(ctx)
		}
	}
}

func (rp *Reaper) sweepOnce(ctx context.Context) {
	start := time.Now()

	removed, live, err := rp.registry.SweepExpired(ctx, start)

	if err == nil && rp.metrics != nil {
		rp.metrics.RecordsLive.Set(float64(live))
		if removed > 0 {
			rp.metrics.ExpiredTotal.Add(float64(removed))
		}
	}

	if rp.logger != nil {
		fields := map[string]interface{}{
			"op":         "expire_sweep",
			"removed":    removed,
			"live":       live,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		// Quiet unless something was cleared or went wrong.
		if removed > 0 || err != nil {
			rp.logger.Info(fields)
		}
	}
}
