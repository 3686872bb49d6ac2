package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisNotConfigured 表示未设置 REDIS_ADDR，调用方应退回进程内缓存。
var ErrRedisNotConfigured = errors.New("cache: REDIS_ADDR is not set")

const defaultRedisPingTimeout = 2 * time.Second

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// RedisOptionsFromEnv 读取 REDIS_ADDR、REDIS_PASSWORD、REDIS_DB 与 REDIS_PING_TIMEOUT。
// 第二个返回值为 false 时表示没有配置 Redis。
func RedisOptionsFromEnv() (*redis.Options, time.Duration, bool) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, 0, false
	}
	opts := &redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")}
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, err := strconv.Atoi(rawDB); err == nil && parsed >= 0 {
			opts.DB = parsed
		}
	}
	timeout := defaultRedisPingTimeout
	if raw := strings.TrimSpace(os.Getenv("REDIS_PING_TIMEOUT")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	return opts, timeout, true
}

// GetRedisClient 返回进程级共享的 Redis 客户端。未配置时返回 ErrRedisNotConfigured，
// 首次连接失败的结果会被缓存，进程内不再重试。
func GetRedisClient() (*redis.Client, error) {
	opts, timeout, ok := RedisOptionsFromEnv()
	if !ok {
		return nil, ErrRedisNotConfigured
	}
	redisOnce.Do(func() {
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s failed: %w", opts.Addr, err)
			_ = client.Close()
			return
		}
		log.Printf("cache: connected to redis %s db=%d", opts.Addr, opts.DB)
		redisClient = client
	})

	return redisClient, redisErr
}

// Close 在退出时释放 Redis 连接。
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
