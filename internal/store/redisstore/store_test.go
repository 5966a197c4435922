package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestCheckAndIncrement_SlidingWindow(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, remaining, err := s.CheckAndIncrement(ctx, "u:standard", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2-i, remaining)
	}

	ok, _, err := s.CheckAndIncrement(ctx, "u:standard", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "4th request inside the window")

	ok, _, err = s.CheckAndIncrement(ctx, "other:standard", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Hour + time.Millisecond)
	ok, remaining, err := s.CheckAndIncrement(ctx, "u:standard", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past old hits")
	assert.Equal(t, 2, remaining)
}

func TestCheckAndIncrement_StoreDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.CheckAndIncrement(context.Background(), "u:standard", 3, time.Hour)
	require.Error(t, err)
}

func TestJSONCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var out []string
	assert.True(t, errors.Is(s.GetJSON(ctx, "k", &out), ErrCacheMiss))

	require.NoError(t, s.SetJSON(ctx, "k", []string{"a", "b"}, time.Minute))
	require.NoError(t, s.GetJSON(ctx, "k", &out))
	assert.Equal(t, []string{"a", "b"}, out)

	require.NoError(t, s.Delete(ctx, "k"))
	assert.True(t, errors.Is(s.GetJSON(ctx, "k", &out), ErrCacheMiss))
}

func TestPublishSubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	msgs, stop, err := s.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "events", "u1"))
	select {
	case m := <-msgs:
		assert.Equal(t, "u1", m)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, stop())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
