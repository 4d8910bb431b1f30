package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RevanthMeda/dbpulse/internal/config"
)

// Service bundles the monitoring components behind one explicit context
// object. It is constructed once at startup and injected wherever hooks
// or the admin API need it; there are no package-level singletons.
type Service struct {
	logger *zap.Logger
	cfg    *config.Config

	Monitor     *QueryPerformanceMonitor
	Analyzer    *QueryAnalyzer
	Pool        *ConnectionPoolManager
	Cache       *QueryCache
	Optimizer   *QueryOptimizer
	Maintenance *MaintenanceRunner

	db       *sql.DB
	poolInfo PoolInfo

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService wires all components from configuration. db may be nil when
// only passive instrumentation is needed; pool status, health checks, and
// maintenance then report degraded results.
func NewService(logger *zap.Logger, cfg *config.Config, db *sql.DB) *Service {
	s := &Service{
		logger: logger,
		cfg:    cfg,
		db:     db,
		stopCh: make(chan struct{}),
	}

	s.Monitor = NewQueryPerformanceMonitor(
		logger.Named("monitor"),
		cfg.Monitor.SlowQueryThreshold,
		cfg.Monitor.SlowQueryCapacity)
	s.Analyzer = NewQueryAnalyzer(
		logger.Named("analyzer"),
		cfg.Monitor.SlowQueryThreshold,
		cfg.Monitor.HistoryCapacity)
	s.Pool = NewConnectionPoolManager(
		logger.Named("pool"),
		cfg.Pool.CheckoutSampleSize,
		cfg.Pool.LeakThreshold)
	if cfg.Cache.Enabled {
		s.Cache = NewQueryCache(
			logger.Named("cache"),
			cfg.Cache.DefaultTTL,
			cfg.Cache.MaxSizeMB,
			cfg.Cache.Shards,
			cfg.Cache.OperationTimeout)
	}
	s.Optimizer = NewQueryOptimizer(logger.Named("optimizer"), s.Monitor)

	if db != nil {
		s.Maintenance = NewMaintenanceRunner(logger.Named("maintenance"), db, cfg.Database.Driver)
		s.poolInfo = NewSQLPoolInfo(db, cfg.Pool.Size)
	}
	return s
}

// ApplyConfig propagates reloadable settings to running components.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.Monitor.SetSlowQueryThreshold(cfg.Monitor.SlowQueryThreshold)
	s.Analyzer.SetSlowQueryThreshold(cfg.Monitor.SlowQueryThreshold)
	s.logger.Info("Runtime configuration applied",
		zap.Duration("slow_query_threshold", cfg.Monitor.SlowQueryThreshold))
}

// ExecutionToken carries the start timestamp between the before and after
// hooks of one statement.
type ExecutionToken struct {
	Query string
	Start time.Time
}

// BeforeExecute is the pre-statement hook: it records the start time and
// returns the token to hand back to AfterExecute.
func (s *Service) BeforeExecute(query string) ExecutionToken {
	return ExecutionToken{Query: query, Start: time.Now()}
}

// AfterExecute is the post-statement hook. A panic inside the
// instrumentation is contained here: monitoring must never break the
// statement path it observes.
func (s *Service) AfterExecute(token ExecutionToken, params []interface{}, endpoint string) {
	defer s.containPanic("after_execute")

	duration := time.Since(token.Start)
	s.Monitor.RecordQuery(token.Query, duration, params, endpoint)
	s.Analyzer.RecordExecution(token.Query, duration, endpoint)
}

// OnError is the statement-failure hook.
func (s *Service) OnError(query string, err error, endpoint string) {
	defer s.containPanic("on_error")

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.Monitor.RecordError(query, msg)
	s.Analyzer.RecordError(query, endpoint)
}

// OnCommit is the post-commit hook feeding cache auto-invalidation.
// Rollbacks must not call it.
func (s *Service) OnCommit(changedTables []string) {
	defer s.containPanic("on_commit")

	if s.Cache != nil {
		s.Cache.OnCommit(changedTables)
	}
}

func (s *Service) containPanic(hook string) {
	if r := recover(); r != nil {
		s.logger.Error("Panic contained in instrumentation hook",
			zap.String("hook", hook),
			zap.Any("panic", r))
	}
}

// GetPerformanceOverview assembles the combined snapshot served by the
// admin API.
func (s *Service) GetPerformanceOverview() map[string]interface{} {
	overview := map[string]interface{}{
		"summary":      s.Monitor.GetPerformanceSummary(),
		"top_queries":  s.Monitor.GetQueryStats(10),
		"slow_queries": s.Monitor.GetSlowQueries(10),
		"pool_stats":   s.Pool.GetPoolStats(),
		"leaks":        s.Pool.LeakDetector().DetectLeaks(),
	}
	if s.poolInfo != nil {
		overview["pool_status"] = s.Pool.GetPoolStatus(s.poolInfo)
	}
	if s.Cache != nil {
		overview["cache_stats"] = s.Cache.GetStats()
	}
	return overview
}

// HealthCheck probes the database and pool. Without a database handle the
// report is critical by definition.
func (s *Service) HealthCheck(ctx context.Context) HealthReport {
	if s.db == nil || s.poolInfo == nil {
		return HealthReport{
			Status: "critical",
			Issues: []string{"no database handle configured"},
		}
	}
	return s.Pool.HealthCheck(ctx, s.db, s.poolInfo)
}

// OptimizePoolSettings runs the tuning rule cascade with the configured
// pool settings as the baseline.
func (s *Service) OptimizePoolSettings() []PoolRecommendation {
	if s.poolInfo == nil {
		return nil
	}
	return s.Pool.OptimizePoolSettings(s.poolInfo, PoolSettings{
		Size:        s.cfg.Pool.Size,
		MaxOverflow: s.cfg.Pool.MaxOverflow,
		Timeout:     s.cfg.Pool.Timeout,
		Recycle:     s.cfg.Pool.Recycle,
	}, s.cfg.Pool.TargetUtilization)
}

// Start launches the housekeeping loop: periodic leak detection and a
// debug-level overview. The hot path stays synchronous; this is the one
// background goroutine.
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.Maintenance.HousekeepingInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.housekeeping(ctx)
			}
		}
	}()
	s.logger.Info("Housekeeping started", zap.Duration("interval", interval))
}

func (s *Service) housekeeping(ctx context.Context) {
	defer s.containPanic("housekeeping")

	leaks := s.Pool.LeakDetector().DetectLeaks()
	for _, leak := range leaks {
		s.logger.Warn("Possible connection leak",
			zap.String("id", leak.ID),
			zap.String("context", leak.Context),
			zap.Duration("age", leak.Age))
	}

	if s.db != nil && s.poolInfo != nil {
		report := s.Pool.HealthCheck(ctx, s.db, s.poolInfo)
		if report.Status != "healthy" {
			s.logger.Warn("Pool health degraded",
				zap.String("status", report.Status),
				zap.Strings("issues", report.Issues))
		}
	}

	summary := s.Monitor.GetPerformanceSummary()
	s.logger.Debug("Housekeeping pass",
		zap.Uint64("total_queries", summary.TotalQueries),
		zap.Uint64("slow_queries", summary.SlowQueries),
		zap.Int("leaks", len(leaks)))
}

// Stop terminates the housekeeping loop and releases the cache backend.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			s.logger.Warn("Cache close failed", zap.Error(err))
		}
	}
}

// DB is an instrumented wrapper around *sql.DB: every query and exec is
// timed through the service hooks, and reads can be served from the
// result cache by the caller via CachedQuery.
type DB struct {
	*sql.DB
	svc      *Service
	endpoint string
}

// NewDB wraps db with instrumentation attributed to the given endpoint
// label.
func NewDB(db *sql.DB, svc *Service, endpoint string) *DB {
	return &DB{DB: db, svc: svc, endpoint: endpoint}
}

// QueryContext runs a timed query.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	token := d.svc.BeforeExecute(query)
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		d.svc.OnError(query, err, d.endpoint)
		return nil, err
	}
	d.svc.AfterExecute(token, args, d.endpoint)
	return rows, nil
}

// ExecContext runs a timed statement.
func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	token := d.svc.BeforeExecute(query)
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		d.svc.OnError(query, err, d.endpoint)
		return nil, err
	}
	d.svc.AfterExecute(token, args, d.endpoint)
	return res, nil
}

// CachedQuery serves a read through the result cache when possible. On a
// miss it executes the query, shapes rows into plain maps, and populates
// the cache with the default TTL.
func (d *DB) CachedQuery(ctx context.Context, query string, args ...interface{}) (CachedRows, error) {
	if d.svc.Cache != nil {
		if rows, ok := d.svc.Cache.Get(query, args); ok {
			return rows, nil
		}
	}

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shaped, err := shapeRows(rows)
	if err != nil {
		return nil, err
	}

	if d.svc.Cache != nil {
		d.svc.Cache.Set(query, args, shaped, 0)
	}
	return shaped, nil
}

// shapeRows converts driver rows into the plain list-of-maps form the
// cache stores.
func shapeRows(rows *sql.Rows) (CachedRows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out CachedRows
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
