package util

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestLRUCache_EvictsLeastRecent(t *testing.T) {
	c := NewLRUCache[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %d ok=%v", v, ok)
	}
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := NewLRUCache[string, int](2)
	c.Put("a", 1)
	c.Put("a", 10)
	if v, _ := c.Get("a"); v != 10 {
		t.Fatalf("expected updated value 10, got %d", v)
	}
	if c.Len() != 1 {
		t.Fatalf("expected single entry, got %d", c.Len())
	}
}

func TestLRUCache_GetOrLoad(t *testing.T) {
	c := NewLRUCache[string, string](4)
	calls := 0
	load := func() (string, error) {
		calls++
		return "compiled", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("p", load)
		if err != nil || v != "compiled" {
			t.Fatalf("unexpected result %q %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits / 1 miss, got %d / %d", hits, misses)
	}

	_, err := c.GetOrLoad("bad", func() (string, error) { return "", errors.New("nope") })
	if err == nil {
		t.Fatal("expected load error")
	}
	if _, ok := c.Get("bad"); ok {
		t.Fatal("failed loads must not be cached")
	}
}

func TestLRUCache_EvictAndClear(t *testing.T) {
	c := NewLRUCache[string, int](0)
	c.Put("x", 1)
	c.Put("y", 2)
	if c.Len() != 1 {
		t.Fatalf("capacity must normalise to 1, got len %d", c.Len())
	}
	c.Evict("y")
	if c.Len() != 0 {
		t.Fatal("expected empty cache after evict")
	}
	c.Put("z", 3)
	c.Clear()
	if _, ok := c.Get("z"); ok {
		t.Fatal("expected clear to drop entries")
	}
}

func TestLRUCache_ConcurrentAccess(t *testing.T) {
	c := NewLRUCache[int, int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := (g*31 + i) % 80
				_, _ = c.GetOrLoad(key, func() (int, error) { return key * 2, nil })
				if v, ok := c.Get(key); ok && v != key*2 {
					panic(fmt.Sprintf("key %d holds %d", key, v))
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Fatalf("cache exceeded capacity: %d", c.Len())
	}
}
