package chatcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/oldsparrow/internal/store/redisstore"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	return cacheOn(t, miniredis.RunT(t))
}

// cacheOn opens a cache with its own client, as a separate process would.
func cacheOn(t *testing.T, mr *miniredis.Miniredis) *Cache {
	t.Helper()
	store := redisstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	c := New(store, time.Minute, nil)
	t.Cleanup(func() {
		_ = c.Close()
		_ = store.Close()
	})
	return c
}

func TestCache_GetSetInvalidate(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)

	entries := []Entry{{ID: "c1", Title: "Hello", CreatedAt: time.Unix(100, 0).UTC()}}
	c.Set(ctx, "u1", entries)

	got, ok := c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, entries, got)

	events, cancel := c.Subscribe(1)
	defer cancel()

	c.Invalidate(ctx, "u1")
	_, ok = c.Get(ctx, "u1")
	assert.False(t, ok)

	select {
	case ev := <-events:
		assert.Equal(t, "u1", ev.Owner)
	case <-time.After(time.Second):
		t.Fatal("expected an update event")
	}
}

func TestCache_EmptyListIsCached(t *testing.T) {
	c := newCache(t)
	c.Set(context.Background(), "u1", nil)
	got, ok := c.Get(context.Background(), "u1")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestCache_NilIsNoop(t *testing.T) {
	var c *Cache
	c.Set(context.Background(), "u", []Entry{{ID: "x"}})
	_, ok := c.Get(context.Background(), "u")
	assert.False(t, ok)
	c.Invalidate(context.Background(), "u")
}

func TestCache_UpdatesCrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	server := cacheOn(t, mr)
	worker := cacheOn(t, mr)
	ctx := context.Background()

	server.Set(ctx, "u1", []Entry{{ID: "c1"}})

	events, cancel := server.Subscribe(4)
	defer cancel()

	worker.Invalidate(ctx, "u1")

	select {
	case ev := <-events:
		assert.Equal(t, "u1", ev.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation from another instance was not delivered")
	}
	_, ok := server.Get(ctx, "u1")
	assert.False(t, ok)
}

func TestCache_SubscribeWithoutBroadcaster(t *testing.T) {
	c := New(nopBackend{}, time.Minute, nil)
	events, cancel := c.Subscribe(1)
	defer cancel()

	c.Invalidate(context.Background(), "u1")
	select {
	case ev := <-events:
		assert.Equal(t, "u1", ev.Owner)
	case <-time.After(time.Second):
		t.Fatal("expected a local update event")
	}
}

type nopBackend struct{}

func (nopBackend) GetJSON(ctx context.Context, key string, dst any) error {
	return redisstore.ErrCacheMiss
}

func (nopBackend) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	return nil
}

func (nopBackend) Delete(ctx context.Context, keys ...string) error { return nil }
