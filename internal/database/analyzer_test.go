package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAnalyzer() *QueryAnalyzer {
	return NewQueryAnalyzer(zap.NewNop(), 100*time.Millisecond, 1000)
}

func TestAnalyzerRecordExecution(t *testing.T) {
	a := newTestAnalyzer()
	a.RecordExecution("SELECT * FROM users WHERE id = 1", 20*time.Millisecond, "api")
	a.RecordExecution("SELECT * FROM users WHERE id = 2", 200*time.Millisecond, "api")

	metrics := a.GetQueryMetrics(0)
	require.Len(t, metrics, 1)

	qm := metrics[0]
	assert.Equal(t, uint64(2), qm.Count)
	assert.Equal(t, uint64(1), qm.SlowExecutions)
	assert.Equal(t, 200*time.Millisecond, qm.MaxTime)
	assert.Equal(t, 20*time.Millisecond, qm.MinTime)
	assert.Equal(t, []string{"users"}, qm.Tables())
	assert.NotEmpty(t, qm.QueryHash)
}

func TestPerformanceScoreBounds(t *testing.T) {
	// Worst case: very slow average, every execution slow, constant errors.
	worst := &QueryMetrics{
		Count:          100,
		SlowExecutions: 100,
		ErrorCount:     100,
		AvgTime:        10 * time.Second,
	}
	score := worst.PerformanceScore()
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Equal(t, 0.0, score)

	best := &QueryMetrics{Count: 100, AvgTime: time.Millisecond}
	assert.Equal(t, 100.0, best.PerformanceScore())
}

func TestPerformanceScoreLatencyBands(t *testing.T) {
	tests := []struct {
		avg  time.Duration
		want float64
	}{
		{3 * time.Second, 50},
		{1500 * time.Millisecond, 60},
		{700 * time.Millisecond, 70},
		{300 * time.Millisecond, 80},
		{70 * time.Millisecond, 90},
		{10 * time.Millisecond, 100},
	}
	for _, tt := range tests {
		qm := &QueryMetrics{Count: 10, AvgTime: tt.avg}
		assert.Equal(t, tt.want, qm.PerformanceScore(), "avg %s", tt.avg)
	}
}

func TestGetQueryMetricsWorstFirst(t *testing.T) {
	a := newTestAnalyzer()
	a.RecordExecution("SELECT fast FROM t1", time.Millisecond, "")
	a.RecordExecution("SELECT slow FROM t2", 3*time.Second, "")

	metrics := a.GetQueryMetrics(0)
	require.Len(t, metrics, 2)
	assert.Contains(t, metrics[0].Query, "t2")
}

func TestAnalyzerRecordError(t *testing.T) {
	a := newTestAnalyzer()
	a.RecordError("SELECT * FROM missing_table", "api")

	metrics := a.GetQueryMetrics(0)
	require.Len(t, metrics, 1)
	assert.Equal(t, uint64(1), metrics[0].ErrorCount)
	assert.Zero(t, metrics[0].Count)
}

func TestExecutionTrends(t *testing.T) {
	a := newTestAnalyzer()
	a.RecordExecution("SELECT a FROM t", 10*time.Millisecond, "")
	a.RecordExecution("SELECT a FROM t", 30*time.Millisecond, "")
	a.RecordError("SELECT a FROM t", "")

	trends := a.GetExecutionTrends(1)
	require.Len(t, trends, 1)
	assert.Equal(t, uint64(2), trends[0].Executions)
	assert.Equal(t, uint64(1), trends[0].Errors)
	assert.Equal(t, 20*time.Millisecond, trends[0].AvgTime)
}

func TestAnalyzerReset(t *testing.T) {
	a := newTestAnalyzer()
	a.RecordExecution("SELECT a FROM t", time.Millisecond, "")
	a.Reset()
	assert.Empty(t, a.GetQueryMetrics(0))
	assert.Empty(t, a.GetExecutionTrends(24))
}

func TestGetQueryMetricsSnapshotsAreDetached(t *testing.T) {
	a := newTestAnalyzer()
	query := "SELECT id FROM users USE INDEX (idx_users_status) WHERE status = 'active'"
	a.RecordExecution(query, time.Millisecond, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			a.RecordExecution(query, time.Millisecond, "")
		}
	}()

	// Snapshot map fields must be safe to read while the writer runs.
	for i := 0; i < 100; i++ {
		for _, qm := range a.GetQueryMetrics(0) {
			for idx := range qm.IndexUsage {
				_ = idx
			}
			_ = qm.Tables()
		}
	}
	<-done

	// And they must not alias the live aggregates.
	metrics := a.GetQueryMetrics(0)
	require.Len(t, metrics, 1)
	before := metrics[0].IndexUsage["idx_users_status"]
	a.RecordExecution(query, time.Millisecond, "")
	assert.Equal(t, before, metrics[0].IndexUsage["idx_users_status"])
}

func TestHashQueryStable(t *testing.T) {
	h1 := HashQuery("select * from users where id = ?")
	h2 := HashQuery("select * from users where id = ?")
	h3 := HashQuery("select * from orders where id = ?")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}
