package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// CachedRows is the shape callers hand to the cache: plain rows, already
// detached from any driver or ORM type. The cache never introspects
// result objects.
type CachedRows []map[string]interface{}

// cacheEnvelope wraps a stored value with its expiry. Expiry is enforced
// lazily at read time; the backend's own eviction only bounds memory.
type cacheEnvelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Rows      json.RawMessage `json:"rows"`
}

// CacheStats is the hit/miss snapshot returned by GetStats.
type CacheStats struct {
	HitCount      uint64   `json:"hit_count"`
	MissCount     uint64   `json:"miss_count"`
	HitRate       float64  `json:"hit_rate"`
	CachedQueries int      `json:"cached_queries"`
	SampleEntries []string `json:"sample_entries,omitempty"`
}

// tablePrefixes maps a logical table name to the key prefixes it owns.
// Tables without an entry own exactly their own prefix.
var tablePrefixes = map[string][]string{
	"reports": {"reports:", "sat_reports:", "user_reports:"},
}

func prefixesForTable(table string) []string {
	if p, ok := tablePrefixes[strings.ToLower(table)]; ok {
		return p
	}
	return []string{strings.ToLower(table) + ":"}
}

// QueryCache is a best-effort TTL cache for query results. Every public
// method degrades to a miss or no-op when the backend is unavailable or
// slow; callers must never depend on it for correctness.
type QueryCache struct {
	logger     *zap.Logger
	defaultTTL time.Duration
	opTimeout  time.Duration

	mu        sync.Mutex
	backend   *bigcache.BigCache
	available bool
	hitCount  uint64
	missCount uint64

	now func() time.Time
}

// NewQueryCache builds a cache with the given default TTL, size bound in
// MB, shard count, and per-operation timeout. A backend that fails to
// initialize leaves the cache in its degraded pass-through mode rather
// than returning an error.
func NewQueryCache(logger *zap.Logger, defaultTTL time.Duration, maxSizeMB, shards int, opTimeout time.Duration) *QueryCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}

	c := &QueryCache{
		logger:     logger,
		defaultTTL: defaultTTL,
		opTimeout:  opTimeout,
		now:        time.Now,
	}

	cfg := bigcache.DefaultConfig(12 * time.Hour)
	cfg.HardMaxCacheSize = maxSizeMB
	if shards > 0 {
		cfg.Shards = shards
	}
	cfg.Verbose = false

	backend, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		logger.Warn("Cache backend unavailable, running in pass-through mode", zap.Error(err))
		return c
	}
	c.backend = backend
	c.available = true
	return c
}

// CacheKey derives the composite key for a query and its parameters. The
// key is prefixed with the query's primary table so table-scoped
// invalidation can match it.
func CacheKey(query string, params []interface{}) string {
	normalized := NormalizeQuery(query)

	prefix := "misc"
	if tables := ExtractTables(normalized); len(tables) > 0 {
		prefix = tables[0]
	}

	paramStrs := make([]string, len(params))
	for i, p := range params {
		paramStrs[i] = fmt.Sprintf("%v", p)
	}
	sort.Strings(paramStrs)
	paramsHash := xxhash.Sum64String(strings.Join(paramStrs, "\x00"))

	return fmt.Sprintf("%s:%s:%016x", prefix, HashQuery(normalized), paramsHash)
}

// Get returns the cached rows for the query and params, or (nil, false)
// on a miss. An entry past its TTL counts as a miss and is removed.
func (c *QueryCache) Get(query string, params []interface{}) (CachedRows, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return nil, false
	}

	key := CacheKey(query, params)
	var raw []byte
	if err := c.withTimeout(func() error {
		var err error
		raw, err = c.backend.Get(key)
		return err
	}); err != nil {
		c.missCount++
		if err != bigcache.ErrEntryNotFound {
			c.degradeLocked(err)
		}
		return nil, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.missCount++
		_ = c.backend.Delete(key)
		return nil, false
	}
	if c.now().After(env.ExpiresAt) {
		c.missCount++
		_ = c.backend.Delete(key)
		return nil, false
	}

	var rows CachedRows
	if err := json.Unmarshal(env.Rows, &rows); err != nil {
		c.missCount++
		_ = c.backend.Delete(key)
		return nil, false
	}
	c.hitCount++
	return rows, true
}

// Set stores rows under the query's key with the given TTL (zero uses the
// default). Returns false without error when the cache is degraded or
// serialization fails.
func (c *QueryCache) Set(query string, params []interface{}, rows CachedRows, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return false
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	rawRows, err := json.Marshal(rows)
	if err != nil {
		c.logger.Debug("Cache set skipped, result not serializable", zap.Error(err))
		return false
	}
	payload, err := json.Marshal(cacheEnvelope{
		ExpiresAt: c.now().Add(ttl),
		Rows:      rawRows,
	})
	if err != nil {
		return false
	}

	key := CacheKey(query, params)
	if err := c.withTimeout(func() error {
		return c.backend.Set(key, payload)
	}); err != nil {
		c.degradeLocked(err)
		return false
	}
	return true
}

// Invalidate deletes entries by table ownership, key substring, or (with
// both arguments empty) the whole namespace. Returns the number of keys
// removed; 0 when degraded.
func (c *QueryCache) Invalidate(pattern, tableName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return 0
	}

	if pattern == "" && tableName == "" {
		removed := c.backend.Len()
		if err := c.backend.Reset(); err != nil {
			c.degradeLocked(err)
			return 0
		}
		return removed
	}

	var prefixes []string
	if tableName != "" {
		prefixes = prefixesForTable(tableName)
	}

	var keys []string
	it := c.backend.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		key := entry.Key()
		if matchesKey(key, pattern, prefixes) {
			keys = append(keys, key)
		}
	}

	removed := 0
	for _, key := range keys {
		if err := c.backend.Delete(key); err == nil {
			removed++
		}
	}
	return removed
}

func matchesKey(key, pattern string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return pattern != "" && strings.Contains(key, pattern)
}

// InvalidateTable removes all entries under the table's key prefixes.
func (c *QueryCache) InvalidateTable(table string) int {
	return c.Invalidate("", table)
}

// OnCommit is the post-commit hook: it invalidates every table touched by
// the committed transaction. Rollbacks must not call it.
func (c *QueryCache) OnCommit(changedTables []string) {
	total := 0
	for _, t := range changedTables {
		total += c.InvalidateTable(t)
	}
	if total > 0 {
		c.logger.Debug("Cache entries invalidated after commit",
			zap.Strings("tables", changedTables),
			zap.Int("removed", total))
	}
}

// GetStats returns hit/miss counters and up to five sample keys.
func (c *QueryCache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		HitCount:  c.hitCount,
		MissCount: c.missCount,
	}
	if total := c.hitCount + c.missCount; total > 0 {
		stats.HitRate = float64(c.hitCount) / float64(total) * 100
	}
	if !c.available {
		return stats
	}

	stats.CachedQueries = c.backend.Len()
	it := c.backend.Iterator()
	for it.SetNext() && len(stats.SampleEntries) < 5 {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		stats.SampleEntries = append(stats.SampleEntries, entry.Key())
	}
	return stats
}

// Clear drops every entry and resets the counters.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hitCount = 0
	c.missCount = 0
	if !c.available {
		return
	}
	if err := c.backend.Reset(); err != nil {
		c.degradeLocked(err)
	}
}

// Available reports whether the backend is usable.
func (c *QueryCache) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Close releases the backend.
func (c *QueryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available {
		return nil
	}
	c.available = false
	return c.backend.Close()
}

// withTimeout bounds one backend operation. A timeout counts as backend
// unavailability; the straggling operation finishes on its own goroutine.
func (c *QueryCache) withTimeout(op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	timer := time.NewTimer(c.opTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("cache operation timed out after %s", c.opTimeout)
	}
}

func (c *QueryCache) degradeLocked(err error) {
	c.available = false
	c.logger.Warn("Cache backend degraded, falling back to pass-through", zap.Error(err))
}
