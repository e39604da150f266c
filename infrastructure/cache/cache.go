// Package cache provides the bounded TTL cache used for synthesized
// responses. Entries are keyed by (fingerprint, decision version, reality
// ratio bucket) and evicted on TTL expiry or capacity pressure.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one cacheable response variant.
type Key struct {
	Fingerprint     uint64
	DecisionVersion int64
	RatioBucket     int // effective ratio bucketed in tenths
}

func (k Key) String() string {
	return fmt.Sprintf("%016x:%d:%d", k.Fingerprint, k.DecisionVersion, k.RatioBucket)
}

// BucketRatio maps a ratio in [0,1] to its cache bucket.
func BucketRatio(ratio float64) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return int(ratio * 10)
}

// Config controls cache sizing.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        5 * time.Minute,
		MaxEntries: 10000,
	}
}

// Cache is a typed expirable LRU.
type Cache[V any] struct {
	lru *expirable.LRU[Key, V]
}

// New creates a cache with the given config.
func New[V any](cfg Config) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Cache[V]{
		lru: expirable.NewLRU[Key, V](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[V]) Get(key Key) (V, bool) {
	return c.lru.Get(key)
}

// Set stores a value under key.
func (c *Cache[V]) Set(key Key, value V) {
	c.lru.Add(key, value)
}

// Invalidate removes one entry.
func (c *Cache[V]) Invalidate(key Key) {
	c.lru.Remove(key)
}

// Purge drops all entries.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
