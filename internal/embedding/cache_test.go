package embedding

import (
	"context"
	"testing"
	"time"
)

func TestLRUCacheGetPut(t *testing.T) {
	c := NewLRUCache(4, 0)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put(ctx, "k1", []float32{1, 2, 3})
	vec, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2, 0)
	ctx := context.Background()

	c.Put(ctx, "a", []float32{1})
	c.Put(ctx, "b", []float32{2})
	c.Get(ctx, "a") // touch a, making b the eviction candidate
	c.Put(ctx, "c", []float32{3})

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("expected b evicted")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("expected a retained")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Error("expected c retained")
	}
}

func TestLRUCacheReplaceIsWholesale(t *testing.T) {
	c := NewLRUCache(4, 0)
	ctx := context.Background()

	src := []float32{1, 2, 3}
	c.Put(ctx, "k", src)
	src[0] = 99 // mutating the caller's slice must not reach the entry

	vec, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if vec[0] != 1 {
		t.Errorf("entry mutated through caller slice: %v", vec)
	}

	c.Put(ctx, "k", []float32{7, 8})
	vec, _ = c.Get(ctx, "k")
	if len(vec) != 2 || vec[0] != 7 {
		t.Errorf("replacement not wholesale: %v", vec)
	}
	if c.Len() != 1 {
		t.Errorf("replace must not grow cache, len=%d", c.Len())
	}
}

func TestLRUCacheTTLExpiry(t *testing.T) {
	c := NewLRUCache(4, 50*time.Millisecond)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put(ctx, "k", []float32{1})

	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	c.now = func() time.Time { return now.Add(time.Second) }
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped, len=%d", c.Len())
	}
}
