package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQueryLiteralEquivalence(t *testing.T) {
	q1 := "SELECT * FROM users WHERE id = 42 AND name = 'alice'"
	q2 := "SELECT * FROM users WHERE id = 977 AND name = 'bob'"

	assert.Equal(t, NormalizeQuery(q1), NormalizeQuery(q2))
}

func TestNormalizeQueryParameterMarkers(t *testing.T) {
	variants := []string{
		"SELECT name FROM users WHERE id = ?",
		"SELECT name FROM users WHERE id = $1",
		"SELECT name FROM users WHERE id = %(user_id)s",
		"SELECT name FROM users WHERE id = 123",
	}

	want := NormalizeQuery(variants[0])
	for _, v := range variants[1:] {
		assert.Equal(t, want, NormalizeQuery(v), "variant: %s", v)
	}
}

func TestNormalizeQueryStripsComments(t *testing.T) {
	q := `SELECT id -- primary key
		FROM users /* the main
		table */ WHERE active = 1`

	got := NormalizeQuery(q)
	assert.Equal(t, "select id from users where active = ?", got)
}

func TestNormalizeQueryWhitespaceAndCase(t *testing.T) {
	got := NormalizeQuery("  SELECT   *\n\tFROM    Users  ")
	assert.Equal(t, "select * from users", got)
}

func TestNormalizeQueryIdempotent(t *testing.T) {
	q := "SELECT * FROM orders WHERE total > 100.50"
	once := NormalizeQuery(q)
	assert.Equal(t, once, NormalizeQuery(once))
}

func TestNormalizeQueryMalformedBestEffort(t *testing.T) {
	assert.NotPanics(t, func() {
		NormalizeQuery("SELEC /* unclosed")
		NormalizeQuery("'unterminated string")
		NormalizeQuery("")
	})
}

func TestExtractTables(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"select * from users", []string{"users"}},
		{"select * from users u join orders o on u.id = o.user_id", []string{"users", "orders"}},
		{"update reports set status = ?", []string{"reports"}},
		{"insert into audit_log values (?)", []string{"audit_log"}},
		{"select * from public.users", []string{"users"}},
		{"select * from users join users", []string{"users"}},
		{"select 1", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractTables(tt.query), "query: %s", tt.query)
	}
}
