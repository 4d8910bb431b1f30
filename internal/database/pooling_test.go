package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePoolInfo struct {
	size       int
	checkedIn  int
	checkedOut int
	overflow   int
}

func (f fakePoolInfo) Size() int       { return f.size }
func (f fakePoolInfo) CheckedIn() int  { return f.checkedIn }
func (f fakePoolInfo) CheckedOut() int { return f.checkedOut }
func (f fakePoolInfo) Overflow() int   { return f.overflow }

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

func newTestPoolManager() *ConnectionPoolManager {
	p := NewConnectionPoolManager(zap.NewNop(), 1000, 5*time.Minute)
	p.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: 8 << 30, UsedPercent: 50}, nil
	}
	p.cpuPercent = func() (float64, error) { return 20, nil }
	return p
}

func TestPoolStatusUtilization(t *testing.T) {
	p := newTestPoolManager()

	status := p.GetPoolStatus(fakePoolInfo{size: 10, checkedOut: 5, overflow: 10})
	assert.InDelta(t, 25.0, status.Utilization, 0.001)
}

func TestPoolStatusZeroCapacity(t *testing.T) {
	p := newTestPoolManager()

	status := p.GetPoolStatus(fakePoolInfo{})
	assert.Zero(t, status.Utilization)
}

func TestCheckoutLifecycleCounters(t *testing.T) {
	p := newTestPoolManager()

	p.OnConnect()
	id := p.OnCheckout("handler")
	p.OnCheckin(id)
	p.OnClose()
	p.OnConnectionError()

	stats := p.GetPoolStats()
	assert.Equal(t, uint64(1), stats.ConnectionsCreated)
	assert.Equal(t, uint64(1), stats.CheckedOut)
	assert.Equal(t, uint64(1), stats.CheckedIn)
	assert.Equal(t, uint64(1), stats.ConnectionsClosed)
	assert.Equal(t, uint64(1), stats.ConnectionErrors)
	assert.Equal(t, 1, stats.SampleSize)
}

func TestCheckoutRingBounded(t *testing.T) {
	p := NewConnectionPoolManager(zap.NewNop(), 10, time.Minute)
	for i := 0; i < 25; i++ {
		id := p.OnCheckout("")
		p.OnCheckin(id)
	}

	stats := p.GetPoolStats()
	assert.Equal(t, uint64(25), stats.CheckedOut)
	assert.Equal(t, 10, stats.SampleSize)
}

func TestOptimizeShrinkOnLowUtilization(t *testing.T) {
	p := newTestPoolManager()
	info := fakePoolInfo{size: 10, checkedOut: 1}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10, MaxOverflow: 20}, 70)
	require.Len(t, recs, 1)
	assert.Equal(t, "pool_size", recs[0].Setting)
	assert.Equal(t, "8", recs[0].Recommended)
	assert.Equal(t, "low", recs[0].Priority)
}

func TestOptimizeGrowOnHighUtilization(t *testing.T) {
	p := newTestPoolManager()
	info := fakePoolInfo{size: 10, checkedOut: 10}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10, MaxOverflow: 20}, 70)
	require.Len(t, recs, 1)
	assert.Equal(t, "pool_size", recs[0].Setting)
	assert.Equal(t, "13", recs[0].Recommended)
	assert.Equal(t, "high", recs[0].Priority)
}

func TestOptimizeGrowOnCPUPressure(t *testing.T) {
	p := newTestPoolManager()
	p.cpuPercent = func() (float64, error) { return 90, nil }
	info := fakePoolInfo{size: 10, checkedOut: 8}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 70)
	require.Len(t, recs, 1)
	assert.Equal(t, "high", recs[0].Priority)
}

func TestOptimizeOverflowExpansion(t *testing.T) {
	p := newTestPoolManager()
	info := fakePoolInfo{size: 10, checkedOut: 8, overflow: 6}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10, MaxOverflow: 10}, 70)
	require.Len(t, recs, 1)
	assert.Equal(t, "max_overflow", recs[0].Setting)
	assert.Equal(t, "12", recs[0].Recommended)
}

func TestOptimizePrePingOnErrors(t *testing.T) {
	p := newTestPoolManager()
	for i := 0; i < 11; i++ {
		p.OnConnectionError()
	}
	info := fakePoolInfo{size: 10, checkedOut: 5}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 70)
	require.Len(t, recs, 1)
	assert.Equal(t, "pool_pre_ping", recs[0].Setting)
	assert.Equal(t, "high", recs[0].Priority)
}

func TestOptimizeTargetUtilizationShiftsThresholds(t *testing.T) {
	p := newTestPoolManager()
	// 80% utilization: above the default grow threshold of 90 only when
	// the target is lowered.
	info := fakePoolInfo{size: 10, checkedOut: 8}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 70)
	assert.Empty(t, recs)

	recs = p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 50)
	require.Len(t, recs, 1)
	assert.Equal(t, "pool_size", recs[0].Setting)
	assert.Equal(t, "high", recs[0].Priority)

	// A zero target falls back to the default of 70.
	recs = p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 0)
	assert.Empty(t, recs)
}

func TestOptimizeRulesAreIndependent(t *testing.T) {
	p := newTestPoolManager()
	for i := 0; i < 11; i++ {
		p.OnConnectionError()
	}
	// High utilization and error count both fire.
	info := fakePoolInfo{size: 10, checkedOut: 10}

	recs := p.OptimizePoolSettings(info, PoolSettings{Size: 10}, 70)
	settings := make(map[string]bool)
	for _, r := range recs {
		settings[r.Setting] = true
	}
	assert.True(t, settings["pool_size"])
	assert.True(t, settings["pool_pre_ping"])
}

func TestHealthCheckHealthy(t *testing.T) {
	p := newTestPoolManager()
	info := fakePoolInfo{size: 10, checkedOut: 9}

	report := p.HealthCheck(context.Background(), fakePinger{}, info)
	assert.Equal(t, "healthy", report.Status)
	assert.Empty(t, report.Issues)
}

func TestHealthCheckUtilizationBoundary(t *testing.T) {
	p := newTestPoolManager()

	// 90% utilization: no issue.
	report := p.HealthCheck(context.Background(), fakePinger{},
		fakePoolInfo{size: 100, checkedOut: 90})
	assert.Equal(t, "healthy", report.Status)

	// 96% utilization: warning.
	report = p.HealthCheck(context.Background(), fakePinger{},
		fakePoolInfo{size: 100, checkedOut: 96})
	assert.Equal(t, "warning", report.Status)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "utilization")
}

func TestHealthCheckProbeFailureIsCritical(t *testing.T) {
	p := newTestPoolManager()
	report := p.HealthCheck(context.Background(),
		fakePinger{err: errors.New("connection refused")},
		fakePoolInfo{size: 10})

	assert.Equal(t, "critical", report.Status)
}

func TestHealthCheckThreeIssuesIsCritical(t *testing.T) {
	p := newTestPoolManager()
	for i := 0; i < 11; i++ {
		p.OnConnectionError()
	}
	// Force a slow checkout sample over the 5s issue threshold.
	p.mu.Lock()
	p.checkoutTimes.Push(10 * time.Second)
	p.mu.Unlock()

	report := p.HealthCheck(context.Background(), fakePinger{},
		fakePoolInfo{size: 100, checkedOut: 99})
	assert.Equal(t, "critical", report.Status)
	assert.Len(t, report.Issues, 3)
}

func TestLeakDetectorFlagsOldCheckouts(t *testing.T) {
	d := NewConnectionLeakDetector(zap.NewNop(), 50*time.Millisecond)
	d.Track("conn-1", "report handler")

	assert.Empty(t, d.DetectLeaks())

	time.Sleep(60 * time.Millisecond)
	leaks := d.DetectLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, "conn-1", leaks[0].ID)
	assert.Equal(t, "report handler", leaks[0].Context)
	assert.NotEmpty(t, leaks[0].Stack)

	// Detection is passive: the entry stays tracked.
	assert.Equal(t, 1, d.TrackedCount())
}

func TestLeakDetectorReleaseIdempotent(t *testing.T) {
	d := NewConnectionLeakDetector(zap.NewNop(), time.Minute)
	d.Track("conn-1", "")

	assert.NotPanics(t, func() {
		d.Release("conn-1")
		d.Release("conn-1")
		d.Release("never-tracked")
	})
	assert.Zero(t, d.TrackedCount())
}

func TestPoolManagerFeedsLeakDetector(t *testing.T) {
	p := newTestPoolManager()
	id := p.OnCheckout("worker")
	assert.Equal(t, 1, p.LeakDetector().TrackedCount())

	p.OnCheckin(id)
	assert.Zero(t, p.LeakDetector().TrackedCount())
}
