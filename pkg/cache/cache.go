// Package cache memoises capability results by a stable fingerprint of
// (name, canonical input), with TTL expiry and bounded, oldest-first
// eviction.
package cache

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chainbox/chainbox/pkg/canonicalize"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// Config is a per-capability cache override: an explicit entry in
// Cache.configs makes the capability cacheable and may set its TTL.
// Caching by naming convention (registry.CachedSuffix) is decided by the
// caller, not by Config.
type Config struct {
	TTL time.Duration
}

type entry struct {
	contracts.CacheEntry
	insertedAt int64
	key        string
}

// Cache is the process-wide, bounded fingerprint→result table.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      []string // insertion order, for oldest-first eviction
	maxSize    int
	defaultTTL time.Duration
	configs    map[string]Config
	clock      func() int64
}

// New builds a Cache with a default TTL and a bound on the number of
// entries kept.
func New(defaultTTL time.Duration, maxSize int) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		configs:    make(map[string]Config),
		clock:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Configure installs an explicit per-capability cache override, making
// IsCacheable true for name even without a suffix convention.
func (c *Cache) Configure(name string, cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[name] = cfg
}

// IsCacheable reports whether name has an explicit per-capability
// configuration. Suffix-based cacheability is decided by the Registry and
// passed in by the caller.
func (c *Cache) IsCacheable(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.configs[name]
	return ok
}

// Fingerprint computes the stable cache key for (fnName, input): a hash of
// the canonical JSON serialization of input, scoped by fnName.
func Fingerprint(fnName string, input any) (string, error) {
	sum, err := canonicalize.CanonicalHash(input)
	if err != nil {
		return "", err
	}
	return fnName + "#" + sum, nil
}

// Get returns the cached value for (name, input) when present and
// unexpired, incrementing its hit counter.
func (c *Cache) Get(name string, input any) (any, bool, error) {
	key, err := Fingerprint(name, input)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.clock() >= e.ExpiresAt {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false, nil
	}
	e.Hits++
	return e.Value, true, nil
}

// Set stores value under (name, input)'s fingerprint, evicting the oldest
// entry when the bound is exceeded.
func (c *Cache) Set(name string, input any, value any) error {
	key, err := Fingerprint(name, input)
	if err != nil {
		return err
	}

	ttl := c.defaultTTL
	c.mu.Lock()
	if cfg, ok := c.configs[name]; ok && cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	now := c.clock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &entry{
		CacheEntry: contracts.CacheEntry{
			Value:     value,
			ExpiresAt: now + ttl.Milliseconds(),
		},
		insertedAt: now,
		key:        key,
	}

	for c.maxSize > 0 && len(c.entries) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.mu.Unlock()
	return nil
}

// Invalidate removes a single key (the fingerprint of name+input).
func (c *Cache) Invalidate(name string, input any) error {
	key, err := Fingerprint(name, input)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.removeFromOrder(key)
	return nil
}

// InvalidatePrefix removes every entry whose fingerprint was produced for a
// capability name carrying the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			c.removeFromOrder(key)
		}
	}
}

// InvalidatePattern removes every entry whose key matches the regular
// expression.
func (c *Cache) InvalidatePattern(pattern *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if pattern.MatchString(key) {
			delete(c.entries, key)
			c.removeFromOrder(key)
		}
	}
}

// removeFromOrder is called with mu held.
func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len reports the current entry count, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
