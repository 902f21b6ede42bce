package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// approxEntryBytes is the fixed per-entry size used for the memory
// estimate exposed in cache stats.
const approxEntryBytes = 2048

// CacheEntry is one cached retrieval response.
type CacheEntry struct {
	Key       string                 `json:"key"`
	Evidence  []Evidence             `json:"evidence"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits              int64 `json:"hits"`
	Misses            int64 `json:"misses"`
	Entries           int   `json:"entries"`
	Invalidations     int64 `json:"invalidations"`
	ApproxMemoryBytes int64 `json:"approx_memory_bytes"`
}

// SemanticCache is a TTL cache keyed by normalized request content.
// Every read and mutation is serialized through one mutex; correctness
// over contention, by the engine's own admission.
type SemanticCache struct {
	mu            sync.Mutex
	entries       map[string]*CacheEntry
	ttl           time.Duration
	maxEntries    int
	hits          int64
	misses        int64
	invalidations int64
	logger        *log.Logger
	now           func() time.Time
}

// NewSemanticCache builds a cache with the given default TTL. maxEntries
// of zero means unbounded.
func NewSemanticCache(ttl time.Duration, maxEntries int, logger *log.Logger) *SemanticCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &SemanticCache{
		entries:    make(map[string]*CacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// CacheKey hashes the normalized request: lower-cased trimmed query,
// sorted lower-cased context entries and a canonicalized filter map.
func CacheKey(query string, queryContext []string, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(query)))
	b.WriteByte('\n')

	ctxEntries := make([]string, 0, len(queryContext))
	for _, entry := range queryContext {
		ctxEntries = append(ctxEntries, strings.ToLower(strings.TrimSpace(entry)))
	}
	sort.Strings(ctxEntries)
	for _, entry := range ctxEntries {
		b.WriteString(entry)
		b.WriteByte('\n')
	}

	filterKeys := make([]string, 0, len(filters))
	for k := range filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)
	for _, k := range filterKeys {
		fmt.Fprintf(&b, "%s=%s\n", strings.ToLower(k), strings.ToLower(strings.TrimSpace(filters[k])))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached evidence and metadata for key. An entry found
// past its expiry is evicted on the spot and reported as a miss.
func (c *SemanticCache) Get(key string) ([]Evidence, map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, nil, false
	}
	c.hits++
	return entry.Evidence, entry.Metadata, true
}

// Set stores evidence under key with the default TTL.
func (c *SemanticCache) Set(key string, evidence []Evidence, metadata map[string]interface{}) {
	c.SetWithTTL(key, evidence, metadata, c.ttl)
}

// SetWithTTL stores evidence under key with an explicit TTL. When the
// cache is full the oldest entry makes room.
func (c *SemanticCache) SetWithTTL(key string, evidence []Evidence, metadata map[string]interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}
	created := c.now()
	c.entries[key] = &CacheEntry{
		Key:       key,
		Evidence:  evidence,
		Metadata:  metadata,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func (c *SemanticCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate clears the cache and returns the number of entries removed.
// A sourceType argument is accepted for interface compatibility but the
// whole cache is cleared regardless: entries do not track per-source
// provenance, so partitioned invalidation is not possible here.
func (c *SemanticCache) Invalidate(sourceType SourceType) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.entries)
	c.entries = make(map[string]*CacheEntry)
	c.invalidations++
	if sourceType != "" {
		c.logger.Printf("invalidate requested for source %q; clearing all %d entries", sourceType, removed)
	}
	return removed
}

// CleanupExpired sweeps every expired entry and returns the count.
func (c *SemanticCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *SemanticCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:              c.hits,
		Misses:            c.misses,
		Entries:           len(c.entries),
		Invalidations:     c.invalidations,
		ApproxMemoryBytes: int64(len(c.entries)) * approxEntryBytes,
	}
}

// StartSweeper runs CleanupExpired on the given cron schedule until stop
// is closed. The schedule is parsed eagerly so a bad expression fails at
// startup rather than silently never sweeping.
func (c *SemanticCache) StartSweeper(schedule string, stop <-chan struct{}) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
				if removed := c.CleanupExpired(); removed > 0 {
					c.logger.Printf("sweep removed %d expired entries", removed)
				}
			}
		}
	}()
	return nil
}
