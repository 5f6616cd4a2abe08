package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNilClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestWindowMarkers(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	prefix := "test:window:" + uuid.NewString() + ":"
	p, err := New(Config{Client: rdb, Prefix: prefix, DefaultTTL: time.Minute})
	require.NoError(t, err)

	_, hit, err := p.Get(ctx, "seen")
	require.NoError(t, err)
	assert.False(t, hit)

	ok, err := p.Set(ctx, "seen", []byte{1}, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	b, hit, err := p.Get(ctx, "seen")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte{1}, b)

	// no-ttl writes still expire
	ttl, err := rdb.TTL(ctx, prefix+"seen").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, p.Del(ctx, "seen"))
	_, hit, err = p.Get(ctx, "seen")
	require.NoError(t, err)
	assert.False(t, hit)

	// the client is shared, so Close leaves it usable
	require.NoError(t, p.Close(ctx))
	require.NoError(t, rdb.Ping(ctx).Err())
}
