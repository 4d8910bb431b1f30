package database

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueryStatRecord holds the running aggregate for one normalized query.
// It is mutated in place on every execution and lives until an explicit
// reset; there is no persistence.
type QueryStatRecord struct {
	Count     uint64        `json:"count"`
	TotalTime time.Duration `json:"total_time"`
	AvgTime   time.Duration `json:"avg_time"`
	MaxTime   time.Duration `json:"max_time"`
	MinTime   time.Duration `json:"min_time"`

	// SampleQuery is the first raw text seen for this shape. Literal
	// values survive here, which the optimizer's text rules need.
	SampleQuery string `json:"sample_query,omitempty"`
}

// QueryStatEntry pairs a normalized query with its aggregate record.
type QueryStatEntry struct {
	Query string          `json:"query"`
	Stats QueryStatRecord `json:"stats"`
}

// SlowQuerySample is one execution that exceeded the slow-query threshold.
// Samples live in a bounded FIFO ring; the oldest are evicted silently.
type SlowQuerySample struct {
	Query     string        `json:"query"`
	Duration  time.Duration `json:"duration"`
	Params    []interface{} `json:"params,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Endpoint  string        `json:"endpoint,omitempty"`
}

// PerformanceSummary is a point-in-time rollup of everything the monitor
// has seen since the last reset.
type PerformanceSummary struct {
	TotalQueries   uint64        `json:"total_queries"`
	UniqueQueries  int           `json:"unique_queries"`
	TotalTime      time.Duration `json:"total_time"`
	SlowQueries    uint64        `json:"slow_queries"`
	Errors         uint64        `json:"errors"`
	SlowPercent    float64       `json:"slow_percent"`
	ErrorPercent   float64       `json:"error_percent"`
	P50            time.Duration `json:"p50"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
}

// QueryPerformanceMonitor aggregates per-normalized-query statistics.
// All hook paths are synchronous and O(1) under a single mutex; the
// critical sections never touch I/O.
type QueryPerformanceMonitor struct {
	logger *zap.Logger

	mu            sync.Mutex
	threshold     time.Duration
	stats         map[string]*QueryStatRecord
	slowSamples   *boundedRing[SlowQuerySample]
	totalQueries  uint64
	slowTotal     uint64
	errorTotal    uint64
}

// NewQueryPerformanceMonitor creates a monitor with the given slow-query
// threshold and slow-sample ring capacity.
func NewQueryPerformanceMonitor(logger *zap.Logger, threshold time.Duration, slowCapacity int) *QueryPerformanceMonitor {
	if threshold <= 0 {
		threshold = 2 * time.Second
	}
	if slowCapacity < 1 {
		slowCapacity = 100
	}
	return &QueryPerformanceMonitor{
		logger:      logger,
		threshold:   threshold,
		stats:       make(map[string]*QueryStatRecord),
		slowSamples: newBoundedRing[SlowQuerySample](slowCapacity),
	}
}

// SetSlowQueryThreshold adjusts the threshold at runtime (config reload).
func (m *QueryPerformanceMonitor) SetSlowQueryThreshold(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

// RecordQuery folds one execution into the aggregate for its normalized
// form and captures a slow sample when the duration exceeds the threshold.
func (m *QueryPerformanceMonitor) RecordQuery(raw string, duration time.Duration, params []interface{}, endpoint string) {
	normalized := NormalizeQuery(raw)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.stats[normalized]
	if !ok {
		rec = &QueryStatRecord{MinTime: duration, MaxTime: duration, SampleQuery: raw}
		m.stats[normalized] = rec
	}
	rec.Count++
	rec.TotalTime += duration
	rec.AvgTime = rec.TotalTime / time.Duration(rec.Count)
	if duration > rec.MaxTime {
		rec.MaxTime = duration
	}
	if duration < rec.MinTime {
		rec.MinTime = duration
	}

	m.totalQueries++

	if duration > m.threshold {
		m.slowTotal++
		m.slowSamples.Push(SlowQuerySample{
			Query:     raw,
			Duration:  duration,
			Params:    params,
			Timestamp: time.Now(),
			Endpoint:  endpoint,
		})
	}
}

// RecordError counts a failed execution. Timing stats are untouched; the
// duration of a failed statement is unknown and irrelevant.
func (m *QueryPerformanceMonitor) RecordError(raw string, errMsg string) {
	m.mu.Lock()
	m.errorTotal++
	m.mu.Unlock()

	m.logger.Debug("Query error recorded",
		zap.String("query", NormalizeQuery(raw)),
		zap.String("error", errMsg))
}

// GetQueryStats returns up to limit aggregates sorted by total time,
// most expensive first.
func (m *QueryPerformanceMonitor) GetQueryStats(limit int) []QueryStatEntry {
	m.mu.Lock()
	entries := make([]QueryStatEntry, 0, len(m.stats))
	for q, rec := range m.stats {
		entries = append(entries, QueryStatEntry{Query: q, Stats: *rec})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stats.TotalTime > entries[j].Stats.TotalTime
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// GetSlowQueries returns up to limit slow samples, most recent first.
func (m *QueryPerformanceMonitor) GetSlowQueries(limit int) []SlowQuerySample {
	m.mu.Lock()
	items := m.slowSamples.Items()
	m.mu.Unlock()

	// Reverse: ring is oldest-first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// GetPerformanceSummary computes totals and latency percentiles.
//
// The percentiles are computed over the weighted per-query means: each
// query's average latency counted once per execution. That is a known
// approximation (raw per-execution samples are not retained) and it
// understates tail latency for queries with high variance. It is kept
// deliberately to bound memory.
func (m *QueryPerformanceMonitor) GetPerformanceSummary() PerformanceSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := PerformanceSummary{
		TotalQueries:  m.totalQueries,
		UniqueQueries: len(m.stats),
		SlowQueries:   m.slowTotal,
		Errors:        m.errorTotal,
	}

	type weighted struct {
		avg   time.Duration
		count uint64
	}
	samples := make([]weighted, 0, len(m.stats))
	for _, rec := range m.stats {
		summary.TotalTime += rec.TotalTime
		samples = append(samples, weighted{avg: rec.AvgTime, count: rec.Count})
	}

	if m.totalQueries > 0 {
		summary.SlowPercent = float64(m.slowTotal) / float64(m.totalQueries) * 100
		summary.ErrorPercent = float64(m.errorTotal) / float64(m.totalQueries) * 100
	}

	if len(samples) == 0 || m.totalQueries == 0 {
		return summary
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].avg < samples[j].avg })

	percentile := func(p float64) time.Duration {
		// Nearest-rank index into the virtual expanded sample, computed
		// from cumulative counts without materializing it.
		target := uint64(math.Ceil(p * float64(m.totalQueries)))
		if target > 0 {
			target--
		}
		var cumulative uint64
		for _, s := range samples {
			cumulative += s.count
			if target < cumulative {
				return s.avg
			}
		}
		return samples[len(samples)-1].avg
	}

	summary.P50 = percentile(0.50)
	summary.P95 = percentile(0.95)
	summary.P99 = percentile(0.99)
	return summary
}

// ResetStats clears all aggregates, slow samples, and counters.
func (m *QueryPerformanceMonitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]*QueryStatRecord)
	m.slowSamples.Clear()
	m.totalQueries = 0
	m.slowTotal = 0
	m.errorTotal = 0
}
