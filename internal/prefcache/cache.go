// Package prefcache remembers, per model, which wire shape last worked for a
// backend that accepts more than one.
package prefcache

import (
	"context"
	"log"
	"sync"
)

// Store persists the whole model -> shape mapping of one backend family.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, entries map[string]string) error
}

// Cache is safe for concurrent use. Entries never expire: an entry is only
// replaced by a later Set for the same model.
type Cache struct {
	store Store

	mu      sync.RWMutex
	entries map[string]string

	// saveMu serialises writes to the store so snapshots land in order.
	saveMu sync.Mutex
}

// Open loads the cache from store. A store that cannot be read, or holds
// unparseable data, yields an empty cache.
func Open(ctx context.Context, store Store) *Cache {
	c := &Cache{store: store, entries: make(map[string]string)}
	if store == nil {
		return c
	}
	entries, err := store.Load(ctx)
	if err != nil {
		log.Printf("prefcache: ignoring unreadable cache: %v", err)
		return c
	}
	for model, shape := range entries {
		if model != "" && shape != "" {
			c.entries[model] = shape
		}
	}
	return c
}

// Memory returns a cache that is never persisted.
func Memory() *Cache {
	return Open(context.Background(), nil)
}

func (c *Cache) Get(model string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	shape, ok := c.entries[model]
	return shape, ok
}

// Set records shape for model and persists the cache. Persistence failures
// are logged; the in-memory entry is kept either way.
func (c *Cache) Set(ctx context.Context, model, shape string) {
	c.mu.Lock()
	if c.entries[model] == shape {
		c.mu.Unlock()
		return
	}
	c.entries[model] = shape
	c.mu.Unlock()

	if c.store == nil {
		return
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := c.store.Save(ctx, c.Snapshot()); err != nil {
		log.Printf("prefcache: failed to persist preference for %s: %v", model, err)
	}
}

func (c *Cache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
