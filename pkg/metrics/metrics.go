package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks vault operation counters and engine state gauges on a
// dedicated Prometheus registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Vault operation metrics
	deposits      prometheus.Counter
	mints         prometheus.Counter
	burns         prometheus.Counter
	withdrawals   prometheus.Counter
	swaps         prometheus.Counter
	priceUpdates  prometheus.Counter
	rejections    prometheus.CounterVec
	depositVolume prometheus.Counter
	mintVolume    prometheus.Counter
	burnVolume    prometheus.Counter
	swapVolume    prometheus.Counter

	// Engine state metrics
	totalDebt         prometheus.Gauge
	totalShares       prometheus.Gauge
	collateralBalance prometheus.Gauge
	assetCount        prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewMetrics creates a metrics set under the given namespace.
func NewMetrics(namespace string) (*Metrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of collateral deposits",
		}),

		mints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mints_total",
			Help:      "Total number of synthetic USD mints",
		}),

		burns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burns_total",
			Help:      "Total number of synthetic USD burns",
		}),

		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of collateral withdrawals",
		}),

		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total number of synthetic asset swaps",
		}),

		priceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Total number of oracle price updates",
		}),

		rejections: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total rejected operations by method",
		}, []string{"method"}),

		depositVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_volume_total",
			Help:      "Total collateral deposited in base units",
		}),

		mintVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mint_volume_total",
			Help:      "Total synthetic USD minted in base units",
		}),

		burnVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burn_volume_total",
			Help:      "Total synthetic USD burned in base units",
		}),

		swapVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_volume_total",
			Help:      "Total swap input volume in base units",
		}),

		totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debt_total",
			Help:      "Current pool debt in synthetic USD base units",
		}),

		totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debt_shares_total",
			Help:      "Current total debt shares outstanding",
		}),

		collateralBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_balance",
			Help:      "Collateral held in the vault custody account",
		}),

		assetCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_listed",
			Help:      "Number of assets in the managed basket",
		}),

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
		m.deposits,
		m.mints,
		m.burns,
		m.withdrawals,
		m.swaps,
		m.priceUpdates,
		m.rejections,
		m.depositVolume,
		m.mintVolume,
		m.burnVolume,
		m.swapVolume,
		m.totalDebt,
		m.totalShares,
		m.collateralBalance,
		m.assetCount,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a Prometheus metrics server on the given port.
func (m *Metrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// RecordDeposit records a collateral deposit.
func (m *Metrics) RecordDeposit(amount uint64) {
	m.deposits.Inc()
	m.depositVolume.Add(float64(amount))
}

// RecordMint records a synthetic USD mint.
func (m *Metrics) RecordMint(amount uint64) {
	m.mints.Inc()
	m.mintVolume.Add(float64(amount))
}

// RecordBurn records a synthetic USD burn.
func (m *Metrics) RecordBurn(amount uint64) {
	m.burns.Inc()
	m.burnVolume.Add(float64(amount))
}

// RecordWithdraw records a collateral withdrawal.
func (m *Metrics) RecordWithdraw(amount uint64) {
	m.withdrawals.Inc()
}

// RecordSwap records a synthetic asset swap.
func (m *Metrics) RecordSwap(amount uint64) {
	m.swaps.Inc()
	m.swapVolume.Add(float64(amount))
}

// RecordPriceUpdate records an oracle price update.
func (m *Metrics) RecordPriceUpdate() {
	m.priceUpdates.Inc()
}

// RecordRejection records a rejected operation for the given method.
func (m *Metrics) RecordRejection(method string) {
	m.rejections.WithLabelValues(method).Inc()
}

// UpdateEngineState refreshes the engine state gauges.
func (m *Metrics) UpdateEngineState(debt, shares, collateral uint64, assets int) {
	m.totalDebt.Set(float64(debt))
	m.totalShares.Set(float64(shares))
	m.collateralBalance.Set(float64(collateral))
	m.assetCount.Set(float64(assets))
}

// CollectSystemMetrics collects system-level metrics until ctx is done.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
