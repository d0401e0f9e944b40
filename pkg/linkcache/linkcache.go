// Package linkcache implements the KV Cache (spec §3/§4.4): an in-process
// cache of rendered link listings, fronting the Metadata Store so repeated
// /d/<indexes>/<platform>/<pkg>/ requests for a hot package don't hit
// Postgres on every call.
package linkcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/wheelproxy/wheelproxy"
)

// ErrInitializingCache signals the underlying ristretto cache could not be
// created.
var ErrInitializingCache = errors.New("initializing cache") //nolint:revive

// Config configures the KV Cache.
type Config struct {
	// NumCounters is an estimate of the number of distinct keys the cache
	// will see, used by ristretto to size its admission policy.
	NumCounters int64
	// MaxCost bounds the cache's total size, in the same units as the
	// costs passed to Set (here, bytes of cached rendered HTML/JSON).
	MaxCost int64
}

// DefaultConfig sizes the cache for a few thousand hot packages.
var DefaultConfig = Config{
	NumCounters: 1_000_000,
	MaxCost:     64 << 20, // 64MiB
}

// Cache is the KV Cache, keyed by an opaque string; link listings are
// stored under the key ListingKey composes.
type Cache struct {
	data *ristretto.Cache
}

// New creates a Cache.
func New(cfg Config) (*Cache, error) {
	data, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingCache, err)
	}

	return &Cache{data: data}, nil
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key string) (any, bool) {
	return c.data.Get(key)
}

// Set stores value under key with the given cost, used to bound the
// cache's memory footprint (e.g. len(renderedHTML)).
func (c *Cache) Set(key string, value any, cost int64) bool {
	return c.data.Set(key, value, cost)
}

// Invalidate evicts a single key, used when a release's listing changes.
func (c *Cache) Invalidate(key string) {
	c.data.Del(key)
}

// InvalidateIndex evicts each of the given keys. Ristretto has no native
// prefix scan, so callers pass the exact keys they know are derived from a
// package (its link-listing keys) rather than a prefix.
func (c *Cache) InvalidateIndex(keys ...string) {
	for _, k := range keys {
		c.data.Del(k)
	}
}

// ListingKey composes the cache key for a package's rendered link listing,
// per spec §6: "links-index:{slugified index set}-platform:{slugified
// platform}-package:{canonical}". indexSlugs is kept in request order
// (not sorted): a different index priority order can produce a different
// de-duplicated rendering (§4.4 step 5), so it must key to a different
// cache entry.
func ListingKey(indexSlugs []string, platformSlug, canonicalName string) string {
	return fmt.Sprintf("links-index:%s-platform:%s-package:%s", strings.Join(indexSlugs, "+"), platformSlug, canonicalName)
}
