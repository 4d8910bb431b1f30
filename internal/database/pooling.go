package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// PoolInfo exposes the live state of the host connection pool. database/sql
// users get a ready adapter via NewSQLPoolInfo.
type PoolInfo interface {
	Size() int
	CheckedIn() int
	CheckedOut() int
	Overflow() int
}

// PoolSettings are the tunable knobs of the host pool, as configured.
type PoolSettings struct {
	Size        int
	MaxOverflow int
	Timeout     time.Duration
	Recycle     time.Duration
}

// PoolStatus is a utilization snapshot of the host pool.
type PoolStatus struct {
	PoolSize    int     `json:"pool_size"`
	CheckedIn   int     `json:"checked_in"`
	CheckedOut  int     `json:"checked_out"`
	Overflow    int     `json:"overflow"`
	Utilization float64 `json:"utilization"`
}

// PoolStatsSnapshot summarizes pool lifecycle counters and checkout
// latency derived from the bounded duration sample.
type PoolStatsSnapshot struct {
	ConnectionsCreated uint64        `json:"connections_created"`
	ConnectionsClosed  uint64        `json:"connections_closed"`
	CheckedOut         uint64        `json:"checked_out"`
	CheckedIn          uint64        `json:"checked_in"`
	Overflows          uint64        `json:"overflows"`
	ConnectionErrors   uint64        `json:"connection_errors"`
	AvgCheckoutTime    time.Duration `json:"avg_checkout_time"`
	MaxCheckoutTime    time.Duration `json:"max_checkout_time"`
	P95CheckoutTime    time.Duration `json:"p95_checkout_time"`
	SampleSize         int           `json:"sample_size"`
}

// PoolRecommendation is one tuning suggestion derived from observed load.
type PoolRecommendation struct {
	Setting     string `json:"setting"`
	Current     string `json:"current"`
	Recommended string `json:"recommended"`
	Reason      string `json:"reason"`
	Impact      string `json:"impact"`
	Priority    string `json:"priority"` // low, medium, high
}

// HealthReport is the result of a pool health probe.
type HealthReport struct {
	Status          string   `json:"status"` // healthy, warning, critical
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// ConnectionPoolManager observes pool lifecycle events fired synchronously
// by the host pool and derives tuning recommendations. It never touches
// the pool itself.
type ConnectionPoolManager struct {
	logger *zap.Logger

	mu                 sync.Mutex
	connectionsCreated uint64
	connectionsClosed  uint64
	checkedOut         uint64
	checkedIn          uint64
	overflows          uint64
	connectionErrors   uint64
	inFlight           map[string]time.Time
	checkoutTimes      *boundedRing[time.Duration]

	leaks *ConnectionLeakDetector

	// Host probes, replaceable in tests.
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	cpuPercent    func() (float64, error)
}

// NewConnectionPoolManager creates a pool manager. sampleSize bounds the
// retained checkout-duration sample; leakThreshold configures the leak
// detector.
func NewConnectionPoolManager(logger *zap.Logger, sampleSize int, leakThreshold time.Duration) *ConnectionPoolManager {
	if sampleSize < 1 {
		sampleSize = 1000
	}
	return &ConnectionPoolManager{
		logger:        logger,
		inFlight:      make(map[string]time.Time),
		checkoutTimes: newBoundedRing[time.Duration](sampleSize),
		leaks:         NewConnectionLeakDetector(logger, leakThreshold),
		virtualMemory: mem.VirtualMemory,
		cpuPercent: func() (float64, error) {
			percents, err := cpu.Percent(0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu sample available")
			}
			return percents[0], nil
		},
	}
}

// LeakDetector returns the embedded leak detector.
func (p *ConnectionPoolManager) LeakDetector() *ConnectionLeakDetector {
	return p.leaks
}

// OnConnect records a new physical connection.
func (p *ConnectionPoolManager) OnConnect() {
	p.mu.Lock()
	p.connectionsCreated++
	p.mu.Unlock()
}

// OnCheckout records a connection acquisition and returns the checkout ID
// to pass to OnCheckin. The same ID registers the connection with the
// leak detector.
func (p *ConnectionPoolManager) OnCheckout(contextLabel string) string {
	id := uuid.NewString()
	now := time.Now()

	p.mu.Lock()
	p.checkedOut++
	p.inFlight[id] = now
	p.mu.Unlock()

	p.leaks.Track(id, contextLabel)
	return id
}

// OnCheckin records a connection release and folds the checkout duration
// into the bounded sample. Unknown IDs are ignored.
func (p *ConnectionPoolManager) OnCheckin(id string) {
	now := time.Now()

	p.mu.Lock()
	p.checkedIn++
	if start, ok := p.inFlight[id]; ok {
		delete(p.inFlight, id)
		p.checkoutTimes.Push(now.Sub(start))
	}
	p.mu.Unlock()

	p.leaks.Release(id)
}

// OnOverflow records a connection issued beyond the pool's base size.
func (p *ConnectionPoolManager) OnOverflow() {
	p.mu.Lock()
	p.overflows++
	p.mu.Unlock()
}

// OnClose records a physical connection teardown.
func (p *ConnectionPoolManager) OnClose() {
	p.mu.Lock()
	p.connectionsClosed++
	p.mu.Unlock()
}

// OnConnectionError records a failed connect or checkout.
func (p *ConnectionPoolManager) OnConnectionError() {
	p.mu.Lock()
	p.connectionErrors++
	p.mu.Unlock()
}

// GetPoolStats returns a snapshot of lifecycle counters and checkout
// latency aggregates.
func (p *ConnectionPoolManager) GetPoolStats() PoolStatsSnapshot {
	p.mu.Lock()
	snapshot := PoolStatsSnapshot{
		ConnectionsCreated: p.connectionsCreated,
		ConnectionsClosed:  p.connectionsClosed,
		CheckedOut:         p.checkedOut,
		CheckedIn:          p.checkedIn,
		Overflows:          p.overflows,
		ConnectionErrors:   p.connectionErrors,
	}
	times := p.checkoutTimes.Items()
	p.mu.Unlock()

	snapshot.SampleSize = len(times)
	if len(times) == 0 {
		return snapshot
	}

	var total time.Duration
	for _, d := range times {
		total += d
		if d > snapshot.MaxCheckoutTime {
			snapshot.MaxCheckoutTime = d
		}
	}
	snapshot.AvgCheckoutTime = total / time.Duration(len(times))

	sorted := make([]time.Duration, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	snapshot.P95CheckoutTime = sorted[len(sorted)*95/100]

	return snapshot
}

// GetPoolStatus computes the utilization snapshot from live pool state.
// Zero capacity yields zero utilization, never a division error.
func (p *ConnectionPoolManager) GetPoolStatus(info PoolInfo) PoolStatus {
	status := PoolStatus{
		PoolSize:   info.Size(),
		CheckedIn:  info.CheckedIn(),
		CheckedOut: info.CheckedOut(),
		Overflow:   info.Overflow(),
	}
	capacity := status.PoolSize + status.Overflow
	if capacity > 0 {
		status.Utilization = float64(status.CheckedOut) / float64(capacity) * 100
	}
	return status
}

// OptimizePoolSettings runs the tuning rule cascade against observed load.
// Rules are independent; every applicable rule fires. The utilization
// thresholds derive from targetUtilization (default 70): shrink below
// target-40, grow above target+20, or above target under CPU pressure.
func (p *ConnectionPoolManager) OptimizePoolSettings(info PoolInfo, settings PoolSettings, targetUtilization float64) []PoolRecommendation {
	if targetUtilization <= 0 || targetUtilization > 100 {
		targetUtilization = 70
	}
	shrinkBelow := targetUtilization - 40
	growAbove := targetUtilization + 20

	status := p.GetPoolStatus(info)
	stats := p.GetPoolStats()

	var memoryHeadroom bool
	var memoryConstrained bool
	var availableBytes uint64
	if vm, err := p.virtualMemory(); err == nil {
		availableBytes = vm.Available
		memoryHeadroom = vm.UsedPercent < 80
		memoryConstrained = vm.UsedPercent > 85
	} else {
		p.logger.Debug("Memory probe failed", zap.Error(err))
	}

	var hostCPU float64
	if pct, err := p.cpuPercent(); err == nil {
		hostCPU = pct
	} else {
		p.logger.Debug("CPU probe failed", zap.Error(err))
	}

	var recs []PoolRecommendation

	if status.Utilization < shrinkBelow && memoryHeadroom && settings.Size > 2 {
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_size",
			Current:     fmt.Sprintf("%d", settings.Size),
			Recommended: fmt.Sprintf("%d", settings.Size-2),
			Reason: fmt.Sprintf("utilization is %.1f%% with %s of memory available",
				status.Utilization, humanize.Bytes(availableBytes)),
			Impact:   "frees idle connections and their server-side resources",
			Priority: "low",
		})
	}

	if status.Utilization > growAbove || (status.Utilization > targetUtilization && hostCPU > 80) {
		sizeCap := 50
		if memoryConstrained {
			sizeCap = 30
		}
		target := settings.Size + 3
		if target > sizeCap {
			target = sizeCap
		}
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_size",
			Current:     fmt.Sprintf("%d", settings.Size),
			Recommended: fmt.Sprintf("%d", target),
			Reason: fmt.Sprintf("utilization is %.1f%% (host cpu %.0f%%)",
				status.Utilization, hostCPU),
			Impact:   "reduces connection wait time under load",
			Priority: "high",
		})
	}

	if stats.AvgCheckoutTime > 10*time.Second {
		target := time.Duration(float64(stats.AvgCheckoutTime) * 1.5)
		if target < 30*time.Second {
			target = 30 * time.Second
		}
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_timeout",
			Current:     settings.Timeout.String(),
			Recommended: target.String(),
			Reason:      fmt.Sprintf("average checkout takes %s", stats.AvgCheckoutTime.Round(time.Millisecond)),
			Impact:      "avoids spurious timeout errors for waiting callers",
			Priority:    "medium",
		})
	}

	if settings.Size > 0 && float64(status.Overflow)/float64(settings.Size) > 0.5 {
		target := settings.MaxOverflow + 2
		if target > 20 {
			target = 20
		}
		recs = append(recs, PoolRecommendation{
			Setting:     "max_overflow",
			Current:     fmt.Sprintf("%d", settings.MaxOverflow),
			Recommended: fmt.Sprintf("%d", target),
			Reason:      fmt.Sprintf("%d overflow connections against a base pool of %d", status.Overflow, settings.Size),
			Impact:      "absorbs load spikes without rejected checkouts",
			Priority:    "medium",
		})
	}

	if stats.ConnectionErrors > 10 {
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_pre_ping",
			Current:     "disabled",
			Recommended: "enabled",
			Reason:      fmt.Sprintf("%d connection errors observed", stats.ConnectionErrors),
			Impact:      "detects dead connections before handing them to callers",
			Priority:    "high",
		})
	}

	if stats.MaxCheckoutTime > 5*time.Minute {
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_recycle",
			Current:     settings.Recycle.String(),
			Recommended: (30 * time.Minute).String(),
			Reason:      fmt.Sprintf("longest checkout held a connection for %s", stats.MaxCheckoutTime.Round(time.Second)),
			Impact:      "bounds the lifetime of long-held connections",
			Priority:    "low",
		})
	}

	if stats.SampleSize >= 100 && stats.P95CheckoutTime > 5*time.Second {
		target := settings.Size + 5
		if target > 50 {
			target = 50
		}
		recs = append(recs, PoolRecommendation{
			Setting:     "pool_size",
			Current:     fmt.Sprintf("%d", settings.Size),
			Recommended: fmt.Sprintf("%d", target),
			Reason: fmt.Sprintf("p95 checkout time is %s over %d samples",
				stats.P95CheckoutTime.Round(time.Millisecond), stats.SampleSize),
			Impact:   "cuts tail latency for connection acquisition",
			Priority: "medium",
		})
	}

	return recs
}

// Pinger is the connectivity probe used by HealthCheck; *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthCheck probes connectivity and inspects utilization, error counts,
// and checkout latency. Status is critical when the probe fails or three
// or more issues are present, warning for one or two issues.
func (p *ConnectionPoolManager) HealthCheck(ctx context.Context, db Pinger, info PoolInfo) HealthReport {
	report := HealthReport{Status: "healthy"}

	probeFailed := false
	if err := db.PingContext(ctx); err != nil {
		probeFailed = true
		report.Issues = append(report.Issues, fmt.Sprintf("connectivity probe failed: %v", err))
		report.Recommendations = append(report.Recommendations, "verify database availability and credentials")
	}

	status := p.GetPoolStatus(info)
	stats := p.GetPoolStats()

	if status.Utilization > 95 {
		report.Issues = append(report.Issues, fmt.Sprintf("pool utilization very high: %.1f%%", status.Utilization))
		report.Recommendations = append(report.Recommendations, "increase pool_size or max_overflow")
	}
	if stats.ConnectionErrors > 10 {
		report.Issues = append(report.Issues, fmt.Sprintf("connection errors: %d", stats.ConnectionErrors))
		report.Recommendations = append(report.Recommendations, "enable pool_pre_ping and check network stability")
	}
	if stats.AvgCheckoutTime > 5*time.Second {
		report.Issues = append(report.Issues, fmt.Sprintf("slow connection checkouts: avg %s", stats.AvgCheckoutTime.Round(time.Millisecond)))
		report.Recommendations = append(report.Recommendations, "investigate long-running transactions holding connections")
	}

	switch {
	case probeFailed || len(report.Issues) >= 3:
		report.Status = "critical"
	case len(report.Issues) > 0:
		report.Status = "warning"
	}
	return report
}

// sqlPoolInfo adapts sql.DBStats to PoolInfo. database/sql has no explicit
// overflow notion; connections open beyond the configured base size are
// reported as overflow.
type sqlPoolInfo struct {
	db       *sql.DB
	baseSize int
}

// NewSQLPoolInfo wraps a *sql.DB as a PoolInfo with the given base size.
func NewSQLPoolInfo(db *sql.DB, baseSize int) PoolInfo {
	return &sqlPoolInfo{db: db, baseSize: baseSize}
}

func (s *sqlPoolInfo) Size() int { return s.baseSize }

func (s *sqlPoolInfo) CheckedIn() int { return s.db.Stats().Idle }

func (s *sqlPoolInfo) CheckedOut() int { return s.db.Stats().InUse }

func (s *sqlPoolInfo) Overflow() int {
	open := s.db.Stats().OpenConnections
	if open > s.baseSize {
		return open - s.baseSize
	}
	return 0
}

// TrackedConnection is one in-flight checkout registered with the leak
// detector.
type TrackedConnection struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Context   string        `json:"context,omitempty"`
	Stack     string        `json:"stack,omitempty"`
	Age       time.Duration `json:"age"`
}

// ConnectionLeakDetector keeps a side registry of in-flight checkouts and
// flags entries held past the age threshold. Detection is passive: a
// flagged connection may still be in legitimate use, so entries are never
// force-removed or closed.
type ConnectionLeakDetector struct {
	logger    *zap.Logger
	threshold time.Duration

	mu      sync.Mutex
	tracked map[string]TrackedConnection
}

// NewConnectionLeakDetector creates a detector with the given age threshold.
func NewConnectionLeakDetector(logger *zap.Logger, threshold time.Duration) *ConnectionLeakDetector {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &ConnectionLeakDetector{
		logger:    logger,
		threshold: threshold,
		tracked:   make(map[string]TrackedConnection),
	}
}

// Track registers a checkout with a snapshot of the calling stack.
func (d *ConnectionLeakDetector) Track(id, contextLabel string) {
	entry := TrackedConnection{
		ID:        id,
		CreatedAt: time.Now(),
		Context:   contextLabel,
		Stack:     string(debug.Stack()),
	}
	d.mu.Lock()
	d.tracked[id] = entry
	d.mu.Unlock()
}

// Release removes a checkout from the registry. Releasing an unknown or
// already-released ID is a no-op.
func (d *ConnectionLeakDetector) Release(id string) {
	d.mu.Lock()
	delete(d.tracked, id)
	d.mu.Unlock()
}

// DetectLeaks returns the tracked checkouts older than the threshold,
// longest-held first. The entries stay registered.
func (d *ConnectionLeakDetector) DetectLeaks() []TrackedConnection {
	now := time.Now()

	d.mu.Lock()
	var leaks []TrackedConnection
	for _, entry := range d.tracked {
		age := now.Sub(entry.CreatedAt)
		if age > d.threshold {
			entry.Age = age
			leaks = append(leaks, entry)
		}
	}
	d.mu.Unlock()

	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Age > leaks[j].Age })
	return leaks
}

// TrackedCount returns the number of in-flight checkouts.
func (d *ConnectionLeakDetector) TrackedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}
