package configstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

const (
	cacheKeyConfig       = "config"
	cacheKeyEntries      = "entries"
	cacheKeyMetadataKeys = "metadata-keys"
	cacheKeyMetadata     = "metadata:"
)

type cachedMetadata struct {
	doc   Document
	found bool
}

// Cached is a read-through cache in front of a Store. Reads are served from
// memory until the TTL elapses or Invalidate is called; the next read then
// fetches from the backend once, however many goroutines ask for it.
// Writes go straight to the backend and invalidate the cache.
type Cached struct {
	store Store
	cache *ristretto.Cache
	ttl   time.Duration
	group singleflight.Group
	gen   atomic.Uint64
}

// NewCached wraps store. A zero ttl keeps entries until invalidated.
func NewCached(store Store, ttl time.Duration) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{store: store, cache: c, ttl: ttl}, nil
}

// Invalidate drops every cached copy. Nothing is re-fetched until the next
// read.
func (c *Cached) Invalidate() {
	c.gen.Add(1)
	c.cache.Clear()
}

// load returns the cached value for key or fetches it through fetch.
// A result fetched while an invalidation happened is returned but not kept.
func load[T any](ctx context.Context, c *Cached, key string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		metrics.ConfigCacheCounter.WithLabelValues("hit").Inc()
		return v.(T), nil
	}
	metrics.ConfigCacheCounter.WithLabelValues("miss").Inc()
	v, err, _ := c.group.Do(key, func() (any, error) {
		gen := c.gen.Load()
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if c.gen.Load() == gen {
			c.cache.SetWithTTL(key, v, 1, c.ttl)
			c.cache.Wait()
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// peekConfig returns the cached configuration without touching the backend.
func (c *Cached) peekConfig() (Document, bool) {
	v, ok := c.cache.Get(cacheKeyConfig)
	if !ok {
		return nil, false
	}
	return v.(Document), true
}

// LoadConfig implements Store.LoadConfig.
func (c *Cached) LoadConfig(ctx context.Context) (Document, error) {
	doc, err := load(ctx, c, cacheKeyConfig, c.store.LoadConfig)
	if err != nil {
		return nil, err
	}
	return cloneDocument(doc), nil
}

// SaveConfig implements Store.SaveConfig.
func (c *Cached) SaveConfig(ctx context.Context, doc Document) error {
	defer c.Invalidate()
	return c.store.SaveConfig(ctx, doc)
}

// SaveEntries implements Store.SaveEntries.
func (c *Cached) SaveEntries(ctx context.Context, entries []Entry) error {
	defer c.Invalidate()
	return c.store.SaveEntries(ctx, entries)
}

// Entries implements Store.Entries.
func (c *Cached) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := load(ctx, c, cacheKeyEntries, c.store.Entries)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Value = cloneValue(e.Value)
		out[i] = e
	}
	return out, nil
}

// LoadMetadata implements Store.LoadMetadata.
func (c *Cached) LoadMetadata(ctx context.Context, key string) (Document, bool, error) {
	m, err := load(ctx, c, cacheKeyMetadata+key, func(ctx context.Context) (cachedMetadata, error) {
		doc, found, err := c.store.LoadMetadata(ctx, key)
		return cachedMetadata{doc: doc, found: found}, err
	})
	if err != nil {
		return nil, false, err
	}
	return cloneDocument(m.doc), m.found, nil
}

// SaveMetadata implements Store.SaveMetadata.
func (c *Cached) SaveMetadata(ctx context.Context, key string, doc Document) error {
	defer c.Invalidate()
	return c.store.SaveMetadata(ctx, key, doc)
}

// MetadataKeys implements Store.MetadataKeys.
func (c *Cached) MetadataKeys(ctx context.Context) ([]string, error) {
	keys, err := load(ctx, c, cacheKeyMetadataKeys, c.store.MetadataKeys)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), keys...), nil
}

// Close closes the cache and the wrapped store.
func (c *Cached) Close() error {
	c.cache.Close()
	return c.store.Close()
}
