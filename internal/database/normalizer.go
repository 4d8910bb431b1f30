package database

import (
	"regexp"
	"strings"
)

// placeholder replaces every literal and parameter marker so that two
// executions of the same query shape aggregate under one key.
const placeholder = "?"

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	singleQuoteRe  = regexp.MustCompile(`'(?:[^']|'')*'`)
	doubleQuoteRe  = regexp.MustCompile(`"(?:[^"]|"")*"`)
	dollarParamRe  = regexp.MustCompile(`\$\d+`)
	namedParamRe   = regexp.MustCompile(`%\(\w+\)s`)
	numberRe       = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// NormalizeQuery reduces a raw SQL string to a parameter-agnostic signature:
// comments stripped, string and numeric literals and driver parameter markers
// collapsed to a single placeholder, whitespace runs collapsed, lowercased.
// Pure and deterministic; malformed SQL is normalized best-effort.
func NormalizeQuery(raw string) string {
	q := lineCommentRe.ReplaceAllString(raw, " ")
	q = blockCommentRe.ReplaceAllString(q, " ")
	q = singleQuoteRe.ReplaceAllString(q, placeholder)
	q = doubleQuoteRe.ReplaceAllString(q, placeholder)
	q = dollarParamRe.ReplaceAllString(q, placeholder)
	q = namedParamRe.ReplaceAllString(q, placeholder)
	q = numberRe.ReplaceAllString(q, placeholder)
	q = whitespaceRe.ReplaceAllString(q, " ")
	return strings.ToLower(strings.TrimSpace(q))
}

var tableRefRe = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// ExtractTables returns the distinct table names referenced by a query,
// best-effort, in order of first appearance. Subquery aliases and quoted
// identifiers are not resolved.
func ExtractTables(query string) []string {
	matches := tableRefRe.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		// Strip a schema qualifier if present.
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || name == placeholder {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}
