package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FundMetrics captures the settlement engine's operational signals: pipeline
// outcomes, batch flushes, oracle round trips and the evolving share price.
type FundMetrics struct {
	settlements  *prometheus.CounterVec
	refunds      *prometheus.CounterVec
	batchFlushes *prometheus.CounterVec
	oracleTrips  *prometheus.HistogramVec
	pendingCount *prometheus.GaugeVec
	sharePrice   prometheus.Gauge
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	fundMetricsOnce sync.Once
	fundRegistry    *FundMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// Fund returns the lazily-initialised settlement metrics registry.
func Fund() *FundMetrics {
	fundMetricsOnce.Do(func() {
		fundRegistry = &FundMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "settlements_total",
				Help:      "Count of settled operations segmented by pipeline and outcome.",
			}, []string{"pipeline", "outcome"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "refunds_total",
				Help:      "Count of callback rejections that refunded the caller, by reason.",
			}, []string{"pipeline", "reason"}),
			batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "batch_flushes_total",
				Help:      "Count of batch swap executions segmented by pipeline.",
			}, []string{"pipeline"}),
			oracleTrips: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "oracle_round_trip_seconds",
				Help:      "Latency between decryption submission and callback delivery.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}, []string{"pipeline"}),
			pendingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "pending_deposits",
				Help:      "Deposits accumulated towards the next batch flush, by pipeline.",
			}, []string{"pipeline"}),
			sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "unknownfinance",
				Subsystem: "fund",
				Name:      "share_price",
				Help:      "Latest share price in stablecoin base units.",
			}),
		}
		prometheus.MustRegister(
			fundRegistry.settlements,
			fundRegistry.refunds,
			fundRegistry.batchFlushes,
			fundRegistry.oracleTrips,
			fundRegistry.pendingCount,
			fundRegistry.sharePrice,
		)
	})
	return fundRegistry
}

// RecordSettlement increments the settlement counter for the supplied pipeline.
func (m *FundMetrics) RecordSettlement(pipeline, outcome string) {
	if m == nil {
		return
	}
	if pipeline == "" {
		pipeline = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(pipeline, outcome).Inc()
}

// RecordRefund increments the refund counter. Reasons should be the stable
// strings carried on rejection events so dashboards stay consistent.
func (m *FundMetrics) RecordRefund(pipeline, reason string) {
	if m == nil {
		return
	}
	if pipeline == "" {
		pipeline = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.refunds.WithLabelValues(pipeline, reason).Inc()
}

// RecordBatchFlush increments the flush counter for the supplied pipeline.
func (m *FundMetrics) RecordBatchFlush(pipeline string) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(pipeline).Inc()
}

// ObserveOracleRoundTrip records the time between submitting a decryption
// request and receiving its callback.
func (m *FundMetrics) ObserveOracleRoundTrip(pipeline string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.oracleTrips.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

// SetPendingDeposits updates the gauge tracking deposits waiting for a flush.
func (m *FundMetrics) SetPendingDeposits(pipeline string, count uint32) {
	if m == nil {
		return
	}
	m.pendingCount.WithLabelValues(pipeline).Set(float64(count))
}

// SetSharePrice publishes the latest share price in stablecoin base units.
func (m *FundMetrics) SetSharePrice(price float64) {
	if m == nil {
		return
	}
	m.sharePrice.Set(price)
}

// HTTP returns the lazily-initialised registry used by the fundd handlers.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unknownfinance",
				Subsystem: "fundd",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unknownfinance",
				Subsystem: "fundd",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "unknownfinance",
				Subsystem: "fundd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for fundd HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.errors, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the one ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
