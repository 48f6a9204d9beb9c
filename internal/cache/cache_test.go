package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIgnoresArgumentOrder(t *testing.T) {
	a, err := Key("crm", "lookup_record", map[string]interface{}{
		"id":    "A1",
		"limit": 5,
		"opts":  map[string]interface{}{"x": 1, "y": 2},
	})
	require.NoError(t, err)

	b, err := Key("crm", "lookup_record", map[string]interface{}{
		"opts":  map[string]interface{}{"y": 2, "x": 1},
		"limit": 5,
		"id":    "A1",
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Key("issues", "lookup_record", map[string]interface{}{"id": "A1", "limit": 5})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "service must be part of the key")

	nilKey, err := Key("crm", "t", nil)
	require.NoError(t, err)
	emptyKey, err := Key("crm", "t", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, nilKey, emptyKey)
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time           { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(10)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store.SetClock(clock.now)

	c := New(store, 300*time.Second, nil)
	c.Put(ctx, "k", []byte(`{"v":1}`), 0)

	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(val))

	clock.advance(299 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok, "entry should be live before TTL")

	clock.advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry should expire at createdAt+TTL")

	size, _ := store.Len(ctx)
	assert.Equal(t, 0, size, "expired entry should be evicted on lookup")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.0001)
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	c, err := NewInMemory(time.Minute, 10, nil)
	require.NoError(t, err)

	c.Put(ctx, "k", []byte("old"), 0)
	c.Put(ctx, "k", []byte("new"), 0)

	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "new", string(val))
	assert.Equal(t, 1, c.Stats().Size)
}

func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	c, err := NewInMemory(time.Minute, 10, nil)
	require.NoError(t, err)

	c.Put(ctx, "a", []byte("1"), 0)
	c.Put(ctx, "b", []byte("2"), 0)
	require.NoError(t, c.InvalidateAll(ctx))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestMemoryStoreBounded(t *testing.T) {
	ctx := context.Background()
	c, err := NewInMemory(time.Minute, 2, nil)
	require.NoError(t, err)

	c.Put(ctx, "a", []byte("1"), 0)
	c.Put(ctx, "b", []byte("2"), 0)
	c.Put(ctx, "c", []byte("3"), 0)

	assert.Equal(t, 2, c.Stats().Size)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	c := New(store, time.Minute, nil)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Put(ctx, "k", []byte(`{"id":"A1"}`), 0)
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"A1"}`, string(val))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"k"))

	mr.FastForward(61 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "redis should expire the key")

	c.Put(ctx, "a", []byte("1"), 0)
	c.Put(ctx, "b", []byte("2"), 0)
	require.NoError(t, mr.Set("unrelated", "x"))

	assert.Equal(t, 2, c.Stats().Size)
	require.NoError(t, c.InvalidateAll(ctx))
	assert.Equal(t, 0, c.Stats().Size)
	assert.True(t, mr.Exists("unrelated"), "flush must only touch gateway keys")
}

func TestRedisFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	c := New(store, time.Minute, nil)
	c.Put(ctx, "k", []byte("v"), 0)

	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	c.Put(ctx, "k", []byte("v"), 0)
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}
