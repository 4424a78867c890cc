package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics records trade activity segmented by side and outcome.
type MarketMetrics struct {
	trades  *prometheus.CounterVec
	errors  *prometheus.CounterVec
	volume  *prometheus.CounterVec
	fees    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Metrics returns the lazily-initialised market metrics registry.
func Metrics() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keymarket",
				Subsystem: "market",
				Name:      "trades_total",
				Help:      "Total settled trades segmented by side.",
			}, []string{"side"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keymarket",
				Subsystem: "market",
				Name:      "trade_errors_total",
				Help:      "Total rejected trades segmented by side and reason.",
			}, []string{"side", "reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keymarket",
				Subsystem: "market",
				Name:      "volume_wei_total",
				Help:      "Gross traded value in smallest currency units, by side.",
			}, []string{"side"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keymarket",
				Subsystem: "market",
				Name:      "fees_wei_total",
				Help:      "Collected fees in smallest currency units, by recipient.",
			}, []string{"recipient"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "keymarket",
				Subsystem: "rpc",
				Name:      "request_seconds",
				Help:      "JSON-RPC request latency by method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			marketRegistry.trades,
			marketRegistry.errors,
			marketRegistry.volume,
			marketRegistry.fees,
			marketRegistry.latency,
		)
	})
	return marketRegistry
}

// ObserveTrade records a settled trade with its gross value and fee split.
func (m *MarketMetrics) ObserveTrade(side string, gross, subjectFee, protocolFee float64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side).Inc()
	m.volume.WithLabelValues(side).Add(gross)
	m.fees.WithLabelValues("subject").Add(subjectFee)
	m.fees.WithLabelValues("protocol").Add(protocolFee)
}

// ObserveTradeError records a rejected trade.
func (m *MarketMetrics) ObserveTradeError(side, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(side, reason).Inc()
}

// ObserveRequest records the latency of one RPC request.
func (m *MarketMetrics) ObserveRequest(method string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(method).Observe(seconds)
}
