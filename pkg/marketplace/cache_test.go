package marketplace

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(16, time.Hour)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	in := []Listing{listing("vpc", "1.0.0", "acme")}
	require.NoError(t, c.Set(ctx, "k", in))
	in[0].Name = "mutated"

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "vpc", got[0].Name)

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Clear(ctx))
	n, _ = c.Len(ctx)
	assert.Zero(t, n)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheWithClient(client, time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", "keep"))

	_, ok, err := c.Get(ctx, "search:q:aws")
	require.NoError(t, err)
	assert.False(t, ok)

	updated := fixedNow.Add(-time.Hour)
	l := listing("vpc", "1.0.0", "acme")
	l.LastUpdated = updated
	require.NoError(t, c.Set(ctx, "search:q:aws", []Listing{l}))
	require.NoError(t, c.Set(ctx, "details:vpc", []Listing{l}))

	got, ok, err := c.Get(ctx, "search:q:aws")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "vpc", got[0].Name)
	assert.True(t, updated.Equal(got[0].LastUpdated))

	assert.True(t, mr.Exists(redisKeyPrefix+"search:q:aws"))
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"search:q:aws"))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "search:q:aws")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with the TTL")

	require.NoError(t, c.Set(ctx, "details:vpc", []Listing{l}))
	require.NoError(t, c.Clear(ctx))
	n, err = c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisCacheCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr()+"/0", time.Minute)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, mr.Set(redisKeyPrefix+"bad", "{"))
	_, ok, err := c.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMarketplaceWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer cache.Close()

	var hits int32
	srv := repoServer(t, []Listing{listing("aws-vpc", "1.0.0", "acme")}, &hits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m := New(Config{}, testLogger(),
			WithRepository(NewHTTPRepository(srv.URL, "", time.Second)),
			WithCache(cache),
		)
		results, err := m.Search(ctx, Query{Text: "aws"})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second marketplace should be served from the shared cache")
	assert.Equal(t, 1, New(Config{}, testLogger(), WithCache(cache)).Stats(ctx).CacheEntries)
}

func TestNewRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCache("://nope", time.Minute)
	assert.Error(t, err)
}
