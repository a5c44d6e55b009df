// Package codecache keeps app bundles warm in memory. Entries are keyed
// by app and storage key so republishing under a new key is a cache miss
// by construction, which is why entries carry no TTL.
package codecache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/cache"
)

// entrypointCandidates is the probe order within a bundle prefix.
var entrypointCandidates = []string{"index.tsx", "index.ts", "index.jsx", "index.js"}

// ObjectStore is the slice of the repository that serves bundle objects.
type ObjectStore interface {
	DownloadObject(ctx context.Context, path string) ([]byte, error)
}

// Entry is one cached bundle.
type Entry struct {
	Source     []byte
	Entrypoint string
	LoadedAt   time.Time
}

// Options configure the cache.
type Options struct {
	// Capacity bounds the number of cached bundles; non-positive
	// falls back to 256.
	Capacity int

	// Now supplies the clock; nil means time.Now.
	Now func() time.Time

	// OnLookup, when set, observes every lookup as a hit or a miss.
	OnLookup func(hit bool)
}

// Cache resolves and memoizes app bundles.
type Cache struct {
	objects ObjectStore
	lru     *cache.ExpiringLRU[Entry]
	log     *zap.Logger
	now     func() time.Time
}

func New(objects ObjectStore, log *zap.Logger, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		objects: objects,
		lru: cache.New[Entry](cache.Options{
			Capacity: opts.Capacity,
			Now:      opts.Now,
			OnLookup: opts.OnLookup,
		}),
		log: log,
		now: opts.Now,
	}
}

// Load returns the bundle for the app, fetching it on first use.
// Concurrent misses for one key share a single fetch.
func (c *Cache) Load(ctx context.Context, appID, storageKey string) (Entry, error) {
	if storageKey == "" {
		return Entry{}, fmt.Errorf("app %s has no storage key", appID)
	}
	key := appID + "|" + storageKey
	return c.lru.Get(ctx, key, func() (Entry, error) {
		return c.fetch(ctx, appID, storageKey)
	})
}

// Invalidate drops the cached bundle so the next call refetches.
func (c *Cache) Invalidate(ctx context.Context, appID, storageKey string) {
	c.lru.Delete(ctx, appID+"|"+storageKey)
}

// Len reports how many bundles are currently cached.
func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) fetch(ctx context.Context, appID, storageKey string) (Entry, error) {
	var lastErr error
	for _, name := range entrypointCandidates {
		path := storageKey + "/" + name
		data, err := c.objects.DownloadObject(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		c.log.Info("loaded app bundle",
			zap.String("app_id", appID),
			zap.String("path", path),
			zap.Int("bytes", len(data)))
		return Entry{Source: data, Entrypoint: name, LoadedAt: c.now()}, nil
	}
	return Entry{}, fmt.Errorf("no entrypoint under %s: %w", storageKey, lastErr)
}
