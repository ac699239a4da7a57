package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ChargeTotal *prometheus.CounterVec // result=executed|replay|conflict|in_flight|op_error|busy|invalid

	ChargeLatencyMS *prometheus.HistogramVec // stage=total|gateway
	StoreBusyTotal  *prometheus.CounterVec   // op=reserve|complete|fail
	RecordsLive     prometheus.Gauge
	ExpiredTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		ChargeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charge_total",
				Help: "Total charge requests by result",
			},
			[]string{"result"},
		),
		ChargeLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "charge_latency_ms",
				Help:    "Latency of charge handling (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"stage"},
		),
		StoreBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_store_busy_total",
				Help: "Total transient store-busy results by operation",
			},
			[]string{"op"},
		),
		RecordsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idempotency_records_live",
			Help: "Number of live (unexpired) idempotency records",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_records_expired_total",
			Help: "Total records removed by the reaper after TTL expiry",
		}),
	}

	prometheus.MustRegister(
		m.ChargeTotal,
		m.ChargeLatencyMS,
		m.StoreBusyTotal,
		m.RecordsLive,
		m.ExpiredTotal,
	)

	return m
}
