package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics exposes the trading engine's counters and gauges over
// Prometheus.
type EngineMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Request queue metrics
	requestsCreated   prometheus.CounterVec
	requestsExecuted  prometheus.CounterVec
	requestsCancelled prometheus.CounterVec
	ordersExecuted    prometheus.Counter
	pendingRequests   prometheus.Gauge

	// Ledger metrics
	swapVolumeUSD       prometheus.Counter
	positionsOpened     prometheus.Counter
	positionsClosed     prometheus.Counter
	positionsLiquidated prometheus.Counter
	aumUSD              prometheus.Gauge
	poolAmount          prometheus.GaugeVec
	reservedAmount      prometheus.GaugeVec
	fundingRate         prometheus.GaugeVec

	// Oracle metrics
	priceUpdates prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewEngineMetrics creates a registry with all engine metrics registered.
func NewEngineMetrics(namespace string) (*EngineMetrics, error) {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		requestsCreated: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Total execution requests created",
		}, []string{"type"}),

		requestsExecuted: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_executed_total",
			Help:      "Total execution requests settled by keepers",
		}, []string{"type"}),

		requestsCancelled: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_cancelled_total",
			Help:      "Total execution requests cancelled and refunded",
		}, []string{"type"}),

		ordersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_orders_executed_total",
			Help:      "Total trigger orders executed",
		}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Requests awaiting a terminal transition",
		}),

		swapVolumeUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_volume_usd_total",
			Help:      "Cumulative swap volume in USD",
		}),

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total position increases",
		}),

		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total position decreases",
		}),

		positionsLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Total positions liquidated",
		}),

		aumUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aum_usd",
			Help:      "Pool assets under management in USD",
		}),

		poolAmount: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Pool balance by asset, in asset units",
		}, []string{"asset"}),

		reservedAmount: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_amount",
			Help:      "Amount reserved for open positions by asset",
		}, []string{"asset"}),

		fundingRate: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cumulative_funding_rate",
			Help:      "Cumulative funding rate fraction by asset",
		}, []string{"asset"}),

		priceUpdates: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Oracle price updates by asset",
		}, []string{"asset"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.requestsCreated,
		m.requestsExecuted,
		m.requestsCancelled,
		m.ordersExecuted,
		m.pendingRequests,
		m.swapVolumeUSD,
		m.positionsOpened,
		m.positionsClosed,
		m.positionsLiquidated,
		m.aumUSD,
		m.poolAmount,
		m.reservedAmount,
		m.fundingRate,
		m.priceUpdates,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// StartServer exposes /metrics on the given port.
func (m *EngineMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Handler returns the metrics endpoint for embedding in another server.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestCreated counts a new request of the given type.
func (m *EngineMetrics) RecordRequestCreated(requestType string) {
	m.requestsCreated.WithLabelValues(requestType).Inc()
}

// RecordRequestExecuted counts a settled request.
func (m *EngineMetrics) RecordRequestExecuted(requestType string) {
	m.requestsExecuted.WithLabelValues(requestType).Inc()
}

// RecordRequestCancelled counts a cancelled request.
func (m *EngineMetrics) RecordRequestCancelled(requestType string) {
	m.requestsCancelled.WithLabelValues(requestType).Inc()
}

// RecordOrderExecuted counts an executed trigger order.
func (m *EngineMetrics) RecordOrderExecuted() {
	m.ordersExecuted.Inc()
}

// SetPendingRequests updates the pending queue depth.
func (m *EngineMetrics) SetPendingRequests(n int) {
	m.pendingRequests.Set(float64(n))
}

// RecordSwapVolume adds to the cumulative swap volume.
func (m *EngineMetrics) RecordSwapVolume(usd float64) {
	m.swapVolumeUSD.Add(usd)
}

// RecordPositionOpened counts a position increase.
func (m *EngineMetrics) RecordPositionOpened() {
	m.positionsOpened.Inc()
}

// RecordPositionClosed counts a position decrease.
func (m *EngineMetrics) RecordPositionClosed() {
	m.positionsClosed.Inc()
}

// RecordLiquidation counts a liquidation.
func (m *EngineMetrics) RecordLiquidation() {
	m.positionsLiquidated.Inc()
}

// SetAUM updates the pool valuation gauge.
func (m *EngineMetrics) SetAUM(usd float64) {
	m.aumUSD.Set(usd)
}

// SetPoolState updates the per-asset pool gauges.
func (m *EngineMetrics) SetPoolState(asset string, poolAmount, reserved float64) {
	m.poolAmount.WithLabelValues(asset).Set(poolAmount)
	m.reservedAmount.WithLabelValues(asset).Set(reserved)
}

// SetFundingRate updates the cumulative funding gauge for an asset.
func (m *EngineMetrics) SetFundingRate(asset string, rate float64) {
	m.fundingRate.WithLabelValues(asset).Set(rate)
}

// RecordPriceUpdate counts an oracle update for an asset.
func (m *EngineMetrics) RecordPriceUpdate(asset string) {
	m.priceUpdates.WithLabelValues(asset).Inc()
}

// StartSystemCollector samples runtime stats on the given interval until
// stop is closed.
func (m *EngineMetrics) StartSystemCollector(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				m.memoryUsage.Set(float64(ms.Alloc))
				m.goroutines.Set(float64(runtime.NumGoroutine()))
			case <-stop:
				return
			}
		}
	}()
}
