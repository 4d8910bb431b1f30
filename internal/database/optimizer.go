package database

import (
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// OptimizationSuggestion is one finding emitted by a single rule.
type OptimizationSuggestion struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"` // low, medium, high
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// QueryOptimization ties a query's aggregate stats to the suggestions
// the rule battery produced for it.
type QueryOptimization struct {
	Query       string                   `json:"query"`
	Count       uint64                   `json:"count"`
	AvgTime     time.Duration            `json:"avg_time"`
	TotalTime   time.Duration            `json:"total_time"`
	Priority    string                   `json:"priority"` // low, medium, high
	Suggestions []OptimizationSuggestion `json:"suggestions"`
}

// OptimizationReport buckets findings by priority and estimates the
// aggregate time at stake.
type OptimizationReport struct {
	GeneratedAt            time.Time                      `json:"generated_at"`
	TotalAnalyzed          int                            `json:"total_analyzed"`
	ByPriority             map[string][]QueryOptimization `json:"by_priority"`
	EstimatedSavings       time.Duration                  `json:"estimated_savings"`
	EstimatedSavingsHuman  string                         `json:"estimated_savings_human"`
	GeneralRecommendations []string                       `json:"general_recommendations"`
}

// hotColumns are predicates commonly filtered on without an index.
var hotColumns = []string{"created_at", "updated_at", "status", "email", "user_id", "timestamp"}

var (
	aggregateOnlyRe = regexp.MustCompile(`select\s+(?:count|sum|avg|min|max)\s*\(`)
	nestedSelectRe  = regexp.MustCompile(`\(\s*select\b`)
	whereFuncRe     = regexp.MustCompile(`where\s+\w+\s*\(`)
	leadingWildRe   = regexp.MustCompile(`like\s+'%`)
	wsRe            = regexp.MustCompile(`\s+`)
)

type optimizationRule func(text string) []OptimizationSuggestion

// queryRules is the fixed rule battery. Rules are independent: every
// firing rule contributes its suggestions.
var queryRules = []optimizationRule{
	func(text string) []OptimizationSuggestion {
		if !strings.HasPrefix(text, "select") || strings.Contains(text, " where ") ||
			strings.HasSuffix(text, " where") || aggregateOnlyRe.MatchString(text) {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "missing_where",
			Severity:       "high",
			Description:    "SELECT without a WHERE clause scans the whole table",
			Recommendation: "add a WHERE clause or an explicit LIMIT",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !strings.Contains(text, "select *") {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "select_star",
			Severity:       "medium",
			Description:    "SELECT * fetches every column regardless of need",
			Recommendation: "list only the columns the caller uses",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !strings.Contains(text, "order by") || strings.Contains(text, "limit") {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "order_without_limit",
			Severity:       "medium",
			Description:    "ORDER BY without LIMIT sorts the full result set",
			Recommendation: "add a LIMIT if only the top rows are needed",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !nestedSelectRe.MatchString(text) {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "nested_subquery",
			Severity:       "medium",
			Description:    "nested SELECT may be convertible to a JOIN",
			Recommendation: "rewrite the subquery as a JOIN and compare plans",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !strings.Contains(text, "where") {
			return nil
		}
		var out []OptimizationSuggestion
		for _, col := range hotColumns {
			if strings.Contains(text, col) {
				out = append(out, OptimizationSuggestion{
					Type:           "missing_index",
					Severity:       "medium",
					Description:    "filter on frequently queried column " + col,
					Recommendation: "verify an index exists on " + col,
				})
			}
		}
		return out
	},
	func(text string) []OptimizationSuggestion {
		if strings.Count(text, "join") < 2 || strings.Contains(text, " on ") {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "cartesian_join",
			Severity:       "high",
			Description:    "multiple JOINs without visible ON conditions risk a Cartesian product",
			Recommendation: "add explicit join conditions",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !whereFuncRe.MatchString(text) {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "function_in_where",
			Severity:       "medium",
			Description:    "function call on a WHERE predicate prevents index usage",
			Recommendation: "move the function to the comparison value or add a functional index",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !leadingWildRe.MatchString(text) {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "leading_wildcard",
			Severity:       "medium",
			Description:    "LIKE with a leading wildcard cannot use a btree index",
			Recommendation: "use full-text search or a trigram index",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if strings.Count(text, " or ") <= 2 {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "excessive_or",
			Severity:       "low",
			Description:    "more than two OR conditions often defeat index selection",
			Recommendation: "rewrite as IN (...) or UNION of indexed queries",
		}}
	},
	func(text string) []OptimizationSuggestion {
		if !strings.Contains(text, "distinct") || strings.Contains(text, "group by") {
			return nil
		}
		return []OptimizationSuggestion{{
			Type:           "unnecessary_distinct",
			Severity:       "low",
			Description:    "DISTINCT without GROUP BY forces a dedup pass",
			Recommendation: "drop DISTINCT if the join keys already guarantee uniqueness",
		}}
	},
}

// QueryOptimizer runs the rule battery over the aggregator's expensive
// queries. It reads stats on demand; nothing is pushed to it.
type QueryOptimizer struct {
	logger  *zap.Logger
	monitor *QueryPerformanceMonitor

	// analysisThreshold gates which queries are worth the rule battery.
	analysisThreshold time.Duration
}

// NewQueryOptimizer creates an optimizer over the given monitor.
func NewQueryOptimizer(logger *zap.Logger, monitor *QueryPerformanceMonitor) *QueryOptimizer {
	return &QueryOptimizer{
		logger:            logger,
		monitor:           monitor,
		analysisThreshold: 500 * time.Millisecond,
	}
}

// OptimizeCommonQueries analyzes every aggregated query whose average
// latency exceeds the analysis threshold and returns the queries that
// produced at least one suggestion.
func (o *QueryOptimizer) OptimizeCommonQueries() []QueryOptimization {
	entries := o.monitor.GetQueryStats(0)

	var out []QueryOptimization
	for _, e := range entries {
		if e.Stats.AvgTime <= o.analysisThreshold {
			continue
		}

		text := ruleText(e)
		var suggestions []OptimizationSuggestion
		for _, rule := range queryRules {
			suggestions = append(suggestions, rule(text)...)
		}
		if len(suggestions) == 0 {
			continue
		}

		out = append(out, QueryOptimization{
			Query:       e.Query,
			Count:       e.Stats.Count,
			AvgTime:     e.Stats.AvgTime,
			TotalTime:   e.Stats.TotalTime,
			Priority:    assignPriority(e.Stats),
			Suggestions: suggestions,
		})
	}
	return out
}

// ruleText prefers the raw sample, which still carries literal values the
// wildcard rule needs, lowercased and whitespace-collapsed.
func ruleText(e QueryStatEntry) string {
	text := e.Stats.SampleQuery
	if text == "" {
		text = e.Query
	}
	return strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(text, " ")))
}

// assignPriority grades aggregate impact, not pattern severity.
func assignPriority(s QueryStatRecord) string {
	switch {
	case s.AvgTime > 2*time.Second && s.Count > 100:
		return "high"
	case (s.AvgTime > time.Second && s.Count > 50) || s.TotalTime > time.Minute:
		return "medium"
	default:
		return "low"
	}
}

// GenerateOptimizationReport buckets findings by priority. The estimated
// savings figure is the summed total time of the high-priority bucket,
// an upper bound rather than a projection.
func (o *QueryOptimizer) GenerateOptimizationReport() OptimizationReport {
	optimizations := o.OptimizeCommonQueries()

	report := OptimizationReport{
		GeneratedAt:   time.Now(),
		TotalAnalyzed: len(optimizations),
		ByPriority: map[string][]QueryOptimization{
			"high":   {},
			"medium": {},
			"low":    {},
		},
	}

	typeCounts := make(map[string]int)
	for _, opt := range optimizations {
		report.ByPriority[opt.Priority] = append(report.ByPriority[opt.Priority], opt)
		if opt.Priority == "high" {
			report.EstimatedSavings += opt.TotalTime
		}
		for _, s := range opt.Suggestions {
			typeCounts[s.Type]++
		}
	}
	report.EstimatedSavingsHuman = humanize.RelTime(
		report.GeneratedAt.Add(-report.EstimatedSavings), report.GeneratedAt, "", "")

	if typeCounts["missing_index"] > 5 {
		report.GeneralRecommendations = append(report.GeneralRecommendations,
			"many queries filter on unindexed columns; run a full index analysis pass")
	}
	if typeCounts["select_star"] > 3 {
		report.GeneralRecommendations = append(report.GeneralRecommendations,
			"SELECT * is widespread; audit column usage across the data access layer")
	}
	if typeCounts["nested_subquery"] > 3 {
		report.GeneralRecommendations = append(report.GeneralRecommendations,
			"multiple subqueries detected; review for JOIN rewrites and N+1 access patterns")
	}
	if typeCounts["missing_where"] > 0 {
		report.GeneralRecommendations = append(report.GeneralRecommendations,
			"full-table scans detected; confirm unbounded queries are intentional")
	}
	return report
}
