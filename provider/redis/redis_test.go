package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/recordcache/provider"
	"github.com/unkn0wn-root/recordcache/provider/providertest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisProviderContract(t *testing.T) {
	providertest.Run(t, func(t *testing.T) pr.Provider {
		_, client := newTestRedis(t)
		p, err := New(Config{Client: client})
		require.NoError(t, err)
		return p
	})
}

func TestRedisNilClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestRedisPrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	p, err := New(Config{Client: client, Prefix: "app:"})
	require.NoError(t, err)
	require.NoError(t, p.Ping(ctx))

	ok, err := p.Set(ctx, "rec:orgs:1", []byte("v"), 1, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("app:rec:orgs:1"))

	mr.FastForward(3 * time.Second)
	_, found, err := p.Get(ctx, "rec:orgs:1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisTransportErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	p, err := New(Config{Client: client})
	require.NoError(t, err)

	mr.SetError("server down")
	_, ok, err := p.Get(ctx, "k")
	assert.ErrorContains(t, err, "redis provider: get k")
	assert.False(t, ok)
	_, err = p.Set(ctx, "k", []byte("v"), 0, 0)
	assert.ErrorContains(t, err, "redis provider: set k")
	assert.ErrorContains(t, p.Del(ctx, "k"), "redis provider: del k")
}
