// Package cache provides the bounded in-process cache shared by the
// permission resolver and the code cache: TTL expiry, LRU eviction, and
// single-flight loading so concurrent misses for one key cause exactly
// one fetch.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Options controls expiry and capacity.
type Options struct {
	// Expiration invalidates entries after this duration regardless of
	// use. Non-positive means entries never expire.
	Expiration time.Duration

	// Capacity bounds the number of entries. Non-positive disables
	// caching entirely: Get always calls the loader.
	Capacity int

	// Now supplies the clock; nil means time.Now. Tests drive TTL with it.
	Now func() time.Time

	// OnLookup, when set, observes every Get as a hit or a miss.
	OnLookup func(hit bool)
}

type entry[T any] struct {
	once   sync.Once
	when   time.Time
	order  *list.Element
	value  T
	loaded bool
}

// ExpiringLRU caches values for string keys.
type ExpiringLRU[T any] struct {
	mu    sync.Mutex
	opts  Options
	data  map[string]*entry[T]
	order *list.List
}

func New[T any](opts Options) *ExpiringLRU[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ExpiringLRU[T]{
		opts:  opts,
		data:  make(map[string]*entry[T], max(opts.Capacity, 0)),
		order: list.New(),
	}
}

// Get returns the cached value for key, or runs fn to load it. Concurrent
// callers for the same key share one fn call. A failed load is not cached;
// waiters retry.
func (c *ExpiringLRU[T]) Get(ctx context.Context, key string, fn func() (T, error)) (value T, err error) {
	if c.opts.Capacity <= 0 {
		c.observe(false)
		return fn()
	}

	for {
		c.mu.Lock()

		e, ok := c.data[key]
		switch {
		case !ok:
			for len(c.data) >= c.opts.Capacity {
				back := c.order.Back()
				delete(c.data, back.Value.(string))
				c.order.Remove(back)
			}
			e = &entry[T]{
				when:  c.opts.Now(),
				order: c.order.PushFront(key),
			}
			c.data[key] = e

		case c.expired(e):
			delete(c.data, key)
			c.order.Remove(e.order)
			c.mu.Unlock()
			continue

		default:
			c.order.MoveToFront(e.order)
		}

		c.mu.Unlock()

		called := false
		e.once.Do(func() {
			called = true
			value, err = fn()

			if err == nil {
				e.value = value
				e.loaded = true
			} else {
				// Drop the failed entry so waiters retry with a
				// fresh once instead of observing the error forever.
				c.mu.Lock()
				if c.data[key] == e {
					delete(c.data, key)
					c.order.Remove(e.order)
				}
				c.mu.Unlock()
			}
		})

		if called || e.loaded {
			c.observe(!called)
			return e.value, err
		}
	}
}

// GetCached returns the value for key only if already present and valid.
func (c *ExpiringLRU[T]) GetCached(ctx context.Context, key string) (value T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.data[key]
	if !found || !e.loaded {
		var zero T
		return zero, false
	}
	if c.expired(e) {
		delete(c.data, key)
		c.order.Remove(e.order)
		var zero T
		return zero, false
	}
	c.order.MoveToFront(e.order)
	return e.value, true
}

// Add stores value under key, replacing any existing entry.
func (c *ExpiringLRU[T]) Add(ctx context.Context, key string, value T) (replaced bool) {
	if c.opts.Capacity <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.data[key]; ok {
		replaced = !c.expired(old)
		delete(c.data, key)
		c.order.Remove(old.order)
	}
	for len(c.data) >= c.opts.Capacity {
		back := c.order.Back()
		delete(c.data, back.Value.(string))
		c.order.Remove(back)
	}

	e := &entry[T]{
		when:   c.opts.Now(),
		order:  c.order.PushFront(key),
		value:  value,
		loaded: true,
	}
	e.once.Do(func() {})
	c.data[key] = e
	return replaced
}

// Delete removes key if present.
func (c *ExpiringLRU[T]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return
	}
	delete(c.data, key)
	c.order.Remove(e.order)
}

// Len reports the number of entries currently held, expired or not.
func (c *ExpiringLRU[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *ExpiringLRU[T]) expired(e *entry[T]) bool {
	return c.opts.Expiration > 0 && c.opts.Now().Sub(e.when) > c.opts.Expiration
}

func (c *ExpiringLRU[T]) observe(hit bool) {
	if c.opts.OnLookup != nil {
		c.opts.OnLookup(hit)
	}
}
