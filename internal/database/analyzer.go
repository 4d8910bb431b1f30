package database

import (
	"fmt"
	"maps"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// QueryMetrics is the richer per-query aggregate kept by the analyzer:
// on top of timing it tracks slow and failed executions, the tables a
// query touches, and explicit index hints seen in the text.
type QueryMetrics struct {
	QueryHash      string              `json:"query_hash"`
	Query          string              `json:"query"`
	Count          uint64              `json:"count"`
	SlowExecutions uint64              `json:"slow_executions"`
	ErrorCount     uint64              `json:"error_count"`
	TotalTime      time.Duration       `json:"total_time"`
	AvgTime        time.Duration       `json:"avg_time"`
	MaxTime        time.Duration       `json:"max_time"`
	MinTime        time.Duration       `json:"min_time"`
	TablesAccessed map[string]struct{} `json:"-"`
	IndexUsage     map[string]uint64   `json:"index_usage,omitempty"`
	LastExecuted   time.Time           `json:"last_executed"`
}

// Tables returns the accessed tables as a sorted slice.
func (qm *QueryMetrics) Tables() []string {
	tables := make([]string, 0, len(qm.TablesAccessed))
	for t := range qm.TablesAccessed {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// PerformanceScore grades the query 0-100: a latency band sets the base
// deduction, slow-execution ratio adds up to 30 points of penalty and
// error ratio up to 20. The result is clamped to [0, 100].
func (qm *QueryMetrics) PerformanceScore() float64 {
	score := 100.0

	switch avg := qm.AvgTime; {
	case avg > 2*time.Second:
		score -= 50
	case avg > time.Second:
		score -= 40
	case avg > 500*time.Millisecond:
		score -= 30
	case avg > 200*time.Millisecond:
		score -= 20
	case avg > 50*time.Millisecond:
		score -= 10
	}

	if qm.Count > 0 {
		slowRatio := float64(qm.SlowExecutions) / float64(qm.Count)
		penalty := slowRatio * 100
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
	}

	total := qm.Count + qm.ErrorCount
	if total > 0 {
		errorRatio := float64(qm.ErrorCount) / float64(total)
		penalty := errorRatio * 100
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ExecutionHistoryEntry is one row of the bounded execution history used
// for time-bucketed trend queries.
type ExecutionHistoryEntry struct {
	QueryHash     string        `json:"query_hash"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
	Error         bool          `json:"error"`
	Endpoint      string        `json:"endpoint,omitempty"`
}

// TrendBucket aggregates executions within one hour.
type TrendBucket struct {
	Hour       time.Time     `json:"hour"`
	Executions uint64        `json:"executions"`
	Errors     uint64        `json:"errors"`
	AvgTime    time.Duration `json:"avg_time"`
}

var indexHintRe = regexp.MustCompile(`(?i)\b(?:use\s+index|force\s+index|indexed\s+by)\s*\(?\s*([a-zA-Z_][a-zA-Z0-9_]*)`)

// QueryAnalyzer keeps the richer metrics variant plus a bounded execution
// history. It runs alongside the plain monitor on the same hook path.
type QueryAnalyzer struct {
	logger *zap.Logger

	mu        sync.Mutex
	threshold time.Duration
	metrics   map[string]*QueryMetrics
	history   *boundedRing[ExecutionHistoryEntry]
}

// NewQueryAnalyzer creates an analyzer with the given slow-query threshold
// and history ring capacity.
func NewQueryAnalyzer(logger *zap.Logger, threshold time.Duration, historyCapacity int) *QueryAnalyzer {
	if threshold <= 0 {
		threshold = 2 * time.Second
	}
	if historyCapacity < 1 {
		historyCapacity = 10000
	}
	return &QueryAnalyzer{
		logger:    logger,
		threshold: threshold,
		metrics:   make(map[string]*QueryMetrics),
		history:   newBoundedRing[ExecutionHistoryEntry](historyCapacity),
	}
}

// SetSlowQueryThreshold adjusts the threshold at runtime (config reload).
func (a *QueryAnalyzer) SetSlowQueryThreshold(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	a.mu.Lock()
	a.threshold = threshold
	a.mu.Unlock()
}

// HashQuery returns the stable hash used as the history key for a query.
func HashQuery(normalized string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}

// RecordExecution folds one successful execution into the metrics and
// appends it to the execution history.
func (a *QueryAnalyzer) RecordExecution(raw string, duration time.Duration, endpoint string) {
	normalized := NormalizeQuery(raw)
	hash := HashQuery(normalized)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	qm := a.getOrCreateLocked(normalized, hash)
	qm.Count++
	qm.TotalTime += duration
	qm.AvgTime = qm.TotalTime / time.Duration(qm.Count)
	if duration > qm.MaxTime {
		qm.MaxTime = duration
	}
	if qm.MinTime == 0 || duration < qm.MinTime {
		qm.MinTime = duration
	}
	if duration > a.threshold {
		qm.SlowExecutions++
	}
	qm.LastExecuted = now

	if m := indexHintRe.FindStringSubmatch(normalized); m != nil {
		if qm.IndexUsage == nil {
			qm.IndexUsage = make(map[string]uint64)
		}
		qm.IndexUsage[m[1]]++
	}

	a.history.Push(ExecutionHistoryEntry{
		QueryHash:     hash,
		ExecutionTime: duration,
		Timestamp:     now,
		Endpoint:      endpoint,
	})
}

// RecordError counts a failed execution without touching timing stats.
func (a *QueryAnalyzer) RecordError(raw string, endpoint string) {
	normalized := NormalizeQuery(raw)
	hash := HashQuery(normalized)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	qm := a.getOrCreateLocked(normalized, hash)
	qm.ErrorCount++
	qm.LastExecuted = now

	a.history.Push(ExecutionHistoryEntry{
		QueryHash: hash,
		Timestamp: now,
		Error:     true,
		Endpoint:  endpoint,
	})
}

func (a *QueryAnalyzer) getOrCreateLocked(normalized, hash string) *QueryMetrics {
	qm, ok := a.metrics[normalized]
	if !ok {
		qm = &QueryMetrics{
			QueryHash:      hash,
			Query:          normalized,
			TablesAccessed: make(map[string]struct{}),
		}
		for _, t := range ExtractTables(normalized) {
			qm.TablesAccessed[t] = struct{}{}
		}
		a.metrics[normalized] = qm
	}
	return qm
}

// GetQueryMetrics returns up to limit metric snapshots, worst performance
// score first. Snapshots are fully detached: the map fields are cloned so
// callers can read them after the lock is released.
func (a *QueryAnalyzer) GetQueryMetrics(limit int) []*QueryMetrics {
	a.mu.Lock()
	out := make([]*QueryMetrics, 0, len(a.metrics))
	for _, qm := range a.metrics {
		snapshot := *qm
		snapshot.TablesAccessed = maps.Clone(qm.TablesAccessed)
		snapshot.IndexUsage = maps.Clone(qm.IndexUsage)
		out = append(out, &snapshot)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PerformanceScore() < out[j].PerformanceScore()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetExecutionTrends buckets the retained history into hourly aggregates
// covering the last `hours` hours, oldest bucket first.
func (a *QueryAnalyzer) GetExecutionTrends(hours int) []TrendBucket {
	if hours < 1 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	a.mu.Lock()
	entries := a.history.Items()
	a.mu.Unlock()

	buckets := make(map[time.Time]*TrendBucket)
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		hour := e.Timestamp.Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &TrendBucket{Hour: hour}
			buckets[hour] = b
		}
		if e.Error {
			b.Errors++
			continue
		}
		// AvgTime holds the running total until the final pass below.
		b.Executions++
		b.AvgTime += e.ExecutionTime
	}

	out := make([]TrendBucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Executions > 0 {
			b.AvgTime /= time.Duration(b.Executions)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// Reset clears all metrics and history.
func (a *QueryAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = make(map[string]*QueryMetrics)
	a.history.Clear()
}
