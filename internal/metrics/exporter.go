package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RevanthMeda/dbpulse/internal/config"
	"github.com/RevanthMeda/dbpulse/internal/database"
)

// Exporter publishes monitoring snapshots as Prometheus metrics. It pulls
// from the service on a fixed interval; nothing is pushed from the query
// hot path.
type Exporter struct {
	logger *zap.Logger
	cfg    config.MetricsConfig
	svc    *database.Service

	server   *http.Server
	registry *prometheus.Registry

	// Query metrics
	queriesTotal  prometheus.Gauge
	uniqueQueries prometheus.Gauge
	slowQueries   prometheus.Gauge
	queryErrors   prometheus.Gauge
	queryLatency  *prometheus.GaugeVec

	// Pool metrics
	poolUtilization prometheus.Gauge
	poolCheckedOut  prometheus.Gauge
	poolOverflows   prometheus.Gauge
	poolErrors      prometheus.Gauge
	checkoutLatency *prometheus.GaugeVec
	leakedConns     prometheus.Gauge

	// Cache metrics
	cacheHits    prometheus.Gauge
	cacheMisses  prometheus.Gauge
	cacheHitRate prometheus.Gauge
	cacheEntries prometheus.Gauge
}

// NewExporter creates an exporter over the given service.
func NewExporter(logger *zap.Logger, cfg config.MetricsConfig, svc *database.Service) *Exporter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9090"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 10 * time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "dbpulse"
	}

	e := &Exporter{
		logger:   logger,
		cfg:      cfg,
		svc:      svc,
		registry: prometheus.NewRegistry(),
	}
	e.initializeMetrics()
	return e
}

func (e *Exporter) initializeMetrics() {
	ns := e.cfg.Namespace

	e.queriesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queries", Name: "total",
		Help: "Total queries recorded since start or reset",
	})
	e.uniqueQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queries", Name: "unique",
		Help: "Distinct normalized query shapes",
	})
	e.slowQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queries", Name: "slow_total",
		Help: "Queries exceeding the slow threshold",
	})
	e.queryErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queries", Name: "errors_total",
		Help: "Failed query executions",
	})
	e.queryLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queries", Name: "latency_seconds",
		Help: "Approximate query latency percentiles",
	}, []string{"quantile"})

	e.poolUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "utilization_percent",
		Help: "Connection pool utilization",
	})
	e.poolCheckedOut = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "checked_out",
		Help: "Connections currently checked out",
	})
	e.poolOverflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "overflows_total",
		Help: "Connections issued beyond the base pool size",
	})
	e.poolErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "errors_total",
		Help: "Connection errors observed",
	})
	e.checkoutLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "checkout_seconds",
		Help: "Checkout duration aggregates over the retained sample",
	}, []string{"stat"})
	e.leakedConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "suspected_leaks",
		Help: "Tracked connections held past the leak threshold",
	})

	e.cacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "hits_total",
		Help: "Cache hits",
	})
	e.cacheMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "misses_total",
		Help: "Cache misses",
	})
	e.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "hit_rate_percent",
		Help: "Cache hit rate",
	})
	e.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "entries",
		Help: "Entries currently cached",
	})

	e.registry.MustRegister(
		e.queriesTotal, e.uniqueQueries, e.slowQueries, e.queryErrors, e.queryLatency,
		e.poolUtilization, e.poolCheckedOut, e.poolOverflows, e.poolErrors,
		e.checkoutLatency, e.leakedConns,
		e.cacheHits, e.cacheMisses, e.cacheHitRate, e.cacheEntries,
	)
}

// Start serves the metrics endpoint and runs the update loop until ctx is
// cancelled.
func (e *Exporter) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("Metrics exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(e.cfg.MetricsPath, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Addr:    e.cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		e.logger.Info("Starting metrics exporter",
			zap.String("address", e.cfg.ListenAddr),
			zap.String("path", e.cfg.MetricsPath),
		)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	go e.updateLoop(ctx)

	<-ctx.Done()
	return e.Stop()
}

func (e *Exporter) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.update()
		}
	}
}

func (e *Exporter) update() {
	summary := e.svc.Monitor.GetPerformanceSummary()
	e.queriesTotal.Set(float64(summary.TotalQueries))
	e.uniqueQueries.Set(float64(summary.UniqueQueries))
	e.slowQueries.Set(float64(summary.SlowQueries))
	e.queryErrors.Set(float64(summary.Errors))
	e.queryLatency.WithLabelValues("0.5").Set(summary.P50.Seconds())
	e.queryLatency.WithLabelValues("0.95").Set(summary.P95.Seconds())
	e.queryLatency.WithLabelValues("0.99").Set(summary.P99.Seconds())

	stats := e.svc.Pool.GetPoolStats()
	e.poolOverflows.Set(float64(stats.Overflows))
	e.poolErrors.Set(float64(stats.ConnectionErrors))
	e.checkoutLatency.WithLabelValues("avg").Set(stats.AvgCheckoutTime.Seconds())
	e.checkoutLatency.WithLabelValues("max").Set(stats.MaxCheckoutTime.Seconds())
	e.checkoutLatency.WithLabelValues("p95").Set(stats.P95CheckoutTime.Seconds())
	e.leakedConns.Set(float64(len(e.svc.Pool.LeakDetector().DetectLeaks())))

	overview := e.svc.GetPerformanceOverview()
	if status, ok := overview["pool_status"].(database.PoolStatus); ok {
		e.poolUtilization.Set(status.Utilization)
		e.poolCheckedOut.Set(float64(status.CheckedOut))
	}

	if e.svc.Cache != nil {
		cs := e.svc.Cache.GetStats()
		e.cacheHits.Set(float64(cs.HitCount))
		e.cacheMisses.Set(float64(cs.MissCount))
		e.cacheHitRate.Set(cs.HitRate)
		e.cacheEntries.Set(float64(cs.CachedQueries))
	}
}

// Stop shuts the metrics server down.
func (e *Exporter) Stop() error {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}
	e.logger.Info("Metrics exporter stopped")
	return nil
}
