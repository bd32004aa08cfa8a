package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(client, Options{
		SearchTTL:    15 * time.Minute,
		EmbeddingTTL: 24 * time.Hour,
		OpTimeout:    time.Second,
	})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestSearchCacheRoundTrip(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	type payload struct {
		Results []string `json:"results"`
	}
	key := SearchKey(uuid.New(), []byte(`{"query":"q"}`))

	var miss payload
	if c.GetSearch(ctx, key, &miss) {
		t.Fatal("expected miss on empty cache")
	}

	c.SetSearch(ctx, key, payload{Results: []string{"a", "b"}})

	var hit payload
	if !c.GetSearch(ctx, key, &hit) {
		t.Fatal("expected hit after set")
	}
	if len(hit.Results) != 2 || hit.Results[0] != "a" {
		t.Errorf("cached payload = %+v", hit)
	}

	if ttl := mr.TTL(key); ttl != 15*time.Minute {
		t.Errorf("TTL = %v, want 15m", ttl)
	}
}

func TestSearchCacheExpiry(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	key := SearchKey(uuid.New(), []byte("payload"))
	c.SetSearch(ctx, key, map[string]string{"k": "v"})

	mr.FastForward(16 * time.Minute)

	var dst map[string]string
	if c.GetSearch(ctx, key, &dst) {
		t.Error("expected miss after TTL expiry")
	}
}

func TestSearchCacheCorruptEntryIsMiss(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	key := SearchKey(uuid.New(), []byte("payload"))
	mr.Set(key, "{not json")

	var dst map[string]string
	if c.GetSearch(ctx, key, &dst) {
		t.Error("corrupt entry should read as a miss")
	}
}

func TestCacheErrorsDegradeToMiss(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	key := SearchKey(uuid.New(), []byte("payload"))
	c.SetSearch(ctx, key, map[string]string{"k": "v"})

	mr.Close()

	var dst map[string]string
	if c.GetSearch(ctx, key, &dst) {
		t.Error("expected miss when redis is down")
	}
	// Writes must also be silent.
	c.SetSearch(ctx, key, map[string]string{"k": "v2"})
	c.SetEmbedding(ctx, EmbeddingKey("m", "t"), []float32{1})
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	key := EmbeddingKey("nomic-embed-text", "hello world")
	if got := c.GetEmbedding(ctx, key); got != nil {
		t.Fatalf("expected nil on miss, got %v", got)
	}

	vector := []float32{0.1, -0.5, 2}
	c.SetEmbedding(ctx, key, vector)

	got := c.GetEmbedding(ctx, key)
	if len(got) != 3 || got[2] != 2 {
		t.Errorf("GetEmbedding = %v, want %v", got, vector)
	}
}

func TestEmbeddingKeyVariesByModel(t *testing.T) {
	if EmbeddingKey("model-a", "text") == EmbeddingKey("model-b", "text") {
		t.Error("keys must differ across models")
	}
	if EmbeddingKey("m", "a") == EmbeddingKey("m", "b") {
		t.Error("keys must differ across texts")
	}
}

func TestInvalidateOwner(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	owner := uuid.New()
	other := uuid.New()

	for i := 0; i < 150; i++ {
		c.SetSearch(ctx, SearchKey(owner, []byte{byte(i), byte(i >> 8)}), "x")
	}
	otherKey := SearchKey(other, []byte("keep"))
	c.SetSearch(ctx, otherKey, "y")

	c.InvalidateOwner(ctx, owner)

	for _, key := range mr.Keys() {
		if key != otherKey {
			t.Fatalf("owner key survived invalidation: %s", key)
		}
	}
	var dst string
	if !c.GetSearch(ctx, otherKey, &dst) {
		t.Error("other owner's entry was invalidated")
	}
}
