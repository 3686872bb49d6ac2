package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", " redis.internal:6380 ")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_PING_TIMEOUT", "500ms")

	opts, timeout, ok := RedisOptionsFromEnv()
	require.True(t, ok)
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 500*time.Millisecond, timeout)

	t.Setenv("REDIS_DB", "-1")
	t.Setenv("REDIS_PING_TIMEOUT", "soon")
	opts, timeout, ok = RedisOptionsFromEnv()
	require.True(t, ok)
	assert.Zero(t, opts.DB)
	assert.Equal(t, defaultRedisPingTimeout, timeout)
}

func TestGetRedisClientNotConfigured(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	_, _, ok := RedisOptionsFromEnv()
	assert.False(t, ok)

	client, err := GetRedisClient()
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrRedisNotConfigured)
}
