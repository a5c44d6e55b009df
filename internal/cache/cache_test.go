package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetLoadsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 4})

	loads := 0
	load := func() (string, error) {
		loads++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, "k", load)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != "value" {
			t.Fatalf("Get = %q, want %q", got, "value")
		}
	}
	if loads != 1 {
		t.Errorf("loader ran %d times, want 1", loads)
	}
}

func TestExpirationWithInjectedClock(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New[int](Options{Capacity: 4, Expiration: time.Minute, Now: clock})

	loads := 0
	load := func() (int, error) {
		loads++
		return loads, nil
	}

	if v, _ := c.Get(ctx, "k", load); v != 1 {
		t.Fatalf("first Get = %d, want 1", v)
	}

	mu.Lock()
	now = now.Add(59 * time.Second)
	mu.Unlock()
	if v, _ := c.Get(ctx, "k", load); v != 1 {
		t.Errorf("Get before expiry = %d, want cached 1", v)
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	if v, _ := c.Get(ctx, "k", load); v != 2 {
		t.Errorf("Get after expiry = %d, want reload 2", v)
	}
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 2})

	loadCount := map[string]int{}
	loaderFor := func(key string) func() (string, error) {
		return func() (string, error) {
			loadCount[key]++
			return key, nil
		}
	}

	c.Get(ctx, "a", loaderFor("a"))
	c.Get(ctx, "b", loaderFor("b"))
	c.Get(ctx, "a", loaderFor("a")) // refresh a's recency
	c.Get(ctx, "c", loaderFor("c")) // evicts b

	if _, ok := c.GetCached(ctx, "b"); ok {
		t.Error("b survived eviction at capacity 2")
	}
	if _, ok := c.GetCached(ctx, "a"); !ok {
		t.Error("a was evicted despite being recently used")
	}
	c.Get(ctx, "b", loaderFor("b"))
	if loadCount["b"] != 2 {
		t.Errorf("b loaded %d times, want 2", loadCount["b"])
	}
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 4})

	var calls int32
	release := make(chan struct{})
	load := func() (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	const workers = 50
	var wg sync.WaitGroup
	results := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, "k", load)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = v
		}(i)
	}

	// Give every worker a chance to reach the once before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("loader ran %d times under %d concurrent gets, want 1", n, workers)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("worker %d saw %q, want %q", i, v, "shared")
		}
	}
}

func TestFailedLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 4})

	calls := 0
	load := func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}

	if _, err := c.Get(ctx, "k", load); err == nil {
		t.Fatal("first Get should surface the loader error")
	}
	got, err := c.Get(ctx, "k", load)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got != "ok" {
		t.Errorf("second Get = %q, want %q", got, "ok")
	}
}

func TestAddDeleteGetCached(t *testing.T) {
	ctx := context.Background()
	c := New[int](Options{Capacity: 4})

	if replaced := c.Add(ctx, "k", 1); replaced {
		t.Error("Add of a fresh key reported replaced")
	}
	if replaced := c.Add(ctx, "k", 2); !replaced {
		t.Error("Add over a live key did not report replaced")
	}
	if v, ok := c.GetCached(ctx, "k"); !ok || v != 2 {
		t.Errorf("GetCached = (%d, %v), want (2, true)", v, ok)
	}

	// Get on an Add-seeded key must not invoke the loader.
	v, err := c.Get(ctx, "k", func() (int, error) {
		t.Error("loader ran for a seeded key")
		return 0, nil
	})
	if err != nil || v != 2 {
		t.Errorf("Get = (%d, %v), want (2, nil)", v, err)
	}

	c.Delete(ctx, "k")
	if _, ok := c.GetCached(ctx, "k"); ok {
		t.Error("GetCached found a deleted key")
	}
}

func TestZeroCapacityBypasses(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 0})

	loads := 0
	for i := 0; i < 3; i++ {
		c.Get(ctx, "k", func() (string, error) {
			loads++
			return "v", nil
		})
	}
	if loads != 3 {
		t.Errorf("loader ran %d times with caching disabled, want 3", loads)
	}
}

func TestOnLookupObservesHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	var hits, misses int
	c := New[string](Options{
		Capacity: 4,
		OnLookup: func(hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		},
	})

	load := func() (string, error) { return "v", nil }
	c.Get(ctx, "k", load)
	c.Get(ctx, "k", load)
	c.Get(ctx, "k", load)

	if misses != 1 || hits != 2 {
		t.Errorf("observed %d misses, %d hits; want 1 miss, 2 hits", misses, hits)
	}
}

func TestConcurrentMixedAccess(t *testing.T) {
	ctx := context.Background()
	c := New[string](Options{Capacity: 8})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 100; j++ {
				switch j % 4 {
				case 0:
					c.Get(ctx, key, func() (string, error) { return key, nil })
				case 1:
					c.GetCached(ctx, key)
				case 2:
					c.Add(ctx, key, key)
				default:
					c.Delete(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
}
