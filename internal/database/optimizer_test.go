package database

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOptimizer() (*QueryOptimizer, *QueryPerformanceMonitor) {
	m := NewQueryPerformanceMonitor(zap.NewNop(), 2*time.Second, 100)
	return NewQueryOptimizer(zap.NewNop(), m), m
}

func suggestionTypes(opt QueryOptimization) map[string]bool {
	types := make(map[string]bool)
	for _, s := range opt.Suggestions {
		types[s.Type] = true
	}
	return types
}

func TestOptimizerIgnoresFastQueries(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT * FROM users", 100*time.Millisecond, nil, "")

	assert.Empty(t, o.OptimizeCommonQueries())
}

func TestOptimizerMissingWhere(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT id, name FROM users", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)
	assert.True(t, suggestionTypes(opts[0])["missing_where"])
}

func TestOptimizerAggregateOnlyExemptFromMissingWhere(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT COUNT(id) FROM users", time.Second, nil, "")

	for _, opt := range o.OptimizeCommonQueries() {
		assert.False(t, suggestionTypes(opt)["missing_where"])
	}
}

func TestOptimizerRulesConcatenate(t *testing.T) {
	o, m := newTestOptimizer()
	// Triggers select_star, missing_where, and order_without_limit at once.
	m.RecordQuery("SELECT * FROM orders ORDER BY created_at", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)

	types := suggestionTypes(opts[0])
	assert.True(t, types["select_star"])
	assert.True(t, types["missing_where"])
	assert.True(t, types["order_without_limit"])
}

func TestOptimizerLeadingWildcard(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT id FROM users WHERE email LIKE '%@example.com'", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)
	assert.True(t, suggestionTypes(opts[0])["leading_wildcard"])
}

func TestOptimizerFunctionInWhere(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT id FROM users WHERE lower(name) = 'x'", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)
	assert.True(t, suggestionTypes(opts[0])["function_in_where"])
}

func TestOptimizerExcessiveOr(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT id FROM t WHERE a = 1 OR b = 2 OR c = 3 OR d = 4", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)
	assert.True(t, suggestionTypes(opts[0])["excessive_or"])
}

func TestOptimizerDistinctWithoutGroupBy(t *testing.T) {
	o, m := newTestOptimizer()
	m.RecordQuery("SELECT DISTINCT name FROM users WHERE active = 1", time.Second, nil, "")

	opts := o.OptimizeCommonQueries()
	require.Len(t, opts, 1)
	assert.True(t, suggestionTypes(opts[0])["unnecessary_distinct"])
}

func TestPriorityAssignment(t *testing.T) {
	tests := []struct {
		stats QueryStatRecord
		want  string
	}{
		{QueryStatRecord{AvgTime: 3 * time.Second, Count: 200}, "high"},
		{QueryStatRecord{AvgTime: 3 * time.Second, Count: 10}, "low"},
		{QueryStatRecord{AvgTime: 1500 * time.Millisecond, Count: 60}, "medium"},
		{QueryStatRecord{AvgTime: 600 * time.Millisecond, Count: 10, TotalTime: 2 * time.Minute}, "medium"},
		{QueryStatRecord{AvgTime: 600 * time.Millisecond, Count: 10, TotalTime: 6 * time.Second}, "low"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, assignPriority(tt.stats))
	}
}

func TestGenerateOptimizationReport(t *testing.T) {
	o, m := newTestOptimizer()
	// High priority: slow average, high count.
	for i := 0; i < 150; i++ {
		m.RecordQuery("SELECT * FROM orders ORDER BY created_at", 3*time.Second, nil, "")
	}
	// Low priority.
	m.RecordQuery("SELECT * FROM users", time.Second, nil, "")

	report := o.GenerateOptimizationReport()
	assert.Equal(t, 2, report.TotalAnalyzed)
	require.Len(t, report.ByPriority["high"], 1)
	require.Len(t, report.ByPriority["low"], 1)

	// Savings is the summed total time of the high bucket.
	assert.Equal(t, 150*3*time.Second, report.EstimatedSavings)
	assert.NotEmpty(t, report.GeneralRecommendations)
}
