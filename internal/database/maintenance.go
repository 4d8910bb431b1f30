package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dialect identifies the SQL backend for maintenance statements.
type Dialect int

const (
	DialectUnsupported Dialect = iota
	DialectSqlite
	DialectPostgres
	DialectMysql
)

// ErrUnsupportedDialect is returned for maintenance operations the
// backend has no equivalent for.
var ErrUnsupportedDialect = errors.New("maintenance operation not supported for this dialect")

func (d Dialect) String() string {
	switch d {
	case DialectSqlite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	case DialectMysql:
		return "mysql"
	default:
		return "unsupported"
	}
}

// ParseDialect maps a database/sql driver name to a Dialect.
func ParseDialect(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return DialectSqlite
	case "postgres", "pgx", "postgresql":
		return DialectPostgres
	case "mysql":
		return DialectMysql
	default:
		return DialectUnsupported
	}
}

// MaintenanceResult reports the outcome of one maintenance operation.
type MaintenanceResult struct {
	Operation string        `json:"operation"`
	Success   bool          `json:"success"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// IndexSuggestion is one proposed index derived from observed query load.
type IndexSuggestion struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	Statement string `json:"statement"`
}

// MaintenanceRunner executes dialect-specific upkeep statements against
// the live database. All operations take the caller's context; none hold
// any monitor lock while touching the database.
type MaintenanceRunner struct {
	logger  *zap.Logger
	db      *sql.DB
	dialect Dialect
}

// NewMaintenanceRunner creates a runner for the given driver name.
func NewMaintenanceRunner(logger *zap.Logger, db *sql.DB, driver string) *MaintenanceRunner {
	return &MaintenanceRunner{logger: logger, db: db, dialect: ParseDialect(driver)}
}

// Dialect returns the resolved backend dialect.
func (r *MaintenanceRunner) Dialect() Dialect { return r.dialect }

func (r *MaintenanceRunner) run(ctx context.Context, operation, statement string) MaintenanceResult {
	start := time.Now()
	result := MaintenanceResult{Operation: operation}

	if statement == "" {
		result.Error = ErrUnsupportedDialect.Error()
		result.Duration = time.Since(start)
		return result
	}

	if _, err := r.db.ExecContext(ctx, statement); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		r.logger.Warn("Maintenance operation failed",
			zap.String("operation", operation),
			zap.String("dialect", r.dialect.String()),
			zap.Error(err))
		return result
	}

	result.Success = true
	result.Detail = statement
	result.Duration = time.Since(start)
	r.logger.Info("Maintenance operation completed",
		zap.String("operation", operation),
		zap.Duration("duration", result.Duration))
	return result
}

// Vacuum reclaims dead space. MySQL has no direct equivalent at the
// database level; it reports unsupported.
func (r *MaintenanceRunner) Vacuum(ctx context.Context) MaintenanceResult {
	var stmt string
	switch r.dialect {
	case DialectSqlite:
		stmt = "VACUUM"
	case DialectPostgres:
		stmt = "VACUUM ANALYZE"
	}
	return r.run(ctx, "vacuum", stmt)
}

// UpdateStatistics refreshes planner statistics. For MySQL the per-table
// form is required, so tables must be provided.
func (r *MaintenanceRunner) UpdateStatistics(ctx context.Context, tables []string) MaintenanceResult {
	var stmt string
	switch r.dialect {
	case DialectSqlite, DialectPostgres:
		stmt = "ANALYZE"
	case DialectMysql:
		if len(tables) > 0 {
			stmt = "ANALYZE TABLE " + strings.Join(tables, ", ")
		}
	}
	return r.run(ctx, "update_statistics", stmt)
}

// AnalyzeMissingIndexes inspects the analyzer's worst-scoring queries and
// proposes indexes for hot columns filtered on those queries' tables.
// Pure read; nothing is executed.
func (r *MaintenanceRunner) AnalyzeMissingIndexes(analyzer *QueryAnalyzer) []IndexSuggestion {
	var suggestions []IndexSuggestion
	seen := make(map[string]struct{})

	for _, qm := range analyzer.GetQueryMetrics(50) {
		if qm.PerformanceScore() >= 70 {
			continue
		}
		for _, table := range qm.Tables() {
			for _, col := range hotColumns {
				if !strings.Contains(qm.Query, col) {
					continue
				}
				key := table + "." + col
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				suggestions = append(suggestions, IndexSuggestion{
					Table:  table,
					Column: col,
					Statement: fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
						table, col, table, col),
				})
			}
		}
	}
	return suggestions
}

// CreateRecommendedIndexes executes the suggestions from
// AnalyzeMissingIndexes. Each index is attempted independently.
func (r *MaintenanceRunner) CreateRecommendedIndexes(ctx context.Context, analyzer *QueryAnalyzer) []MaintenanceResult {
	if r.dialect == DialectUnsupported {
		return []MaintenanceResult{{
			Operation: "create_indexes",
			Error:     ErrUnsupportedDialect.Error(),
		}}
	}

	var results []MaintenanceResult
	for _, s := range r.AnalyzeMissingIndexes(analyzer) {
		stmt := s.Statement
		// MySQL lacks IF NOT EXISTS for CREATE INDEX.
		if r.dialect == DialectMysql {
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
		results = append(results, r.run(ctx, "create_index:"+s.Table+"."+s.Column, stmt))
	}
	return results
}

// CleanupOldRecords deletes rows older than the retention window from the
// given tables, using their timestamp column.
func (r *MaintenanceRunner) CleanupOldRecords(ctx context.Context, tables map[string]string, retentionDays int) []MaintenanceResult {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var results []MaintenanceResult
	for table, column := range tables {
		start := time.Now()
		result := MaintenanceResult{Operation: "cleanup:" + table}

		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s < %s", table, column, r.placeholder(1))
		res, err := r.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			result.Error = err.Error()
			result.Duration = time.Since(start)
			results = append(results, result)
			continue
		}

		affected, _ := res.RowsAffected()
		result.Success = true
		result.Detail = fmt.Sprintf("%d rows removed", affected)
		result.Duration = time.Since(start)
		results = append(results, result)

		r.logger.Info("Old records cleaned up",
			zap.String("table", table),
			zap.Int64("rows", affected),
			zap.Time("cutoff", cutoff))
	}
	return results
}

func (r *MaintenanceRunner) placeholder(n int) string {
	if r.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
