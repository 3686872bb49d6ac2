package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"tutorqa_back/vectors"
)

const (
	defaultEmbeddingTTL     = 10 * time.Minute
	defaultEmbeddingEntries = 1024
	embeddingCacheTimeout   = 300 * time.Millisecond
)

var embeddingLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tutorqa_query_embedding_cache_total",
	Help: "Query embedding cache lookups, by result.",
}, []string{"result"})

// Embeddings 缓存问题文本的向量，键为模型名加问题的 SHA-256。
// 配置了 Redis 时写入 Redis，否则使用进程内带过期时间的 LRU。
type Embeddings struct {
	client *redis.Client
	local  *expirable.LRU[string, []float32]
	ttl    time.Duration
}

// NewEmbeddings 创建向量缓存，client 为 nil 时只使用本地 LRU。
func NewEmbeddings(client *redis.Client, size int, ttl time.Duration) *Embeddings {
	if size <= 0 {
		size = defaultEmbeddingEntries
	}
	if ttl <= 0 {
		ttl = defaultEmbeddingTTL
	}
	return &Embeddings{
		client: client,
		local:  expirable.NewLRU[string, []float32](size, nil, ttl),
		ttl:    ttl,
	}
}

// NewEmbeddingsFromEnv 读取 QUERY_EMBEDDING_CACHE_TTL 与 QUERY_EMBEDDING_CACHE_SIZE。
func NewEmbeddingsFromEnv() *Embeddings {
	ttl := defaultEmbeddingTTL
	if raw := strings.TrimSpace(os.Getenv("QUERY_EMBEDDING_CACHE_TTL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	size := defaultEmbeddingEntries
	if raw := strings.TrimSpace(os.Getenv("QUERY_EMBEDDING_CACHE_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			size = parsed
		}
	}

	client, err := GetRedisClient()
	switch {
	case errors.Is(err, ErrRedisNotConfigured):
		client = nil
	case err != nil:
		log.Printf("cache: redis unavailable, query embeddings cached in memory: %v", err)
		client = nil
	}
	return NewEmbeddings(client, size, ttl)
}

// EmbeddingKey 构造缓存键。
func EmbeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return "qa:embedding:" + model + ":" + hex.EncodeToString(sum[:])
}

func (e *Embeddings) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), embeddingCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= embeddingCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, embeddingCacheTimeout)
}

// Get 读取缓存的向量。
func (e *Embeddings) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if e == nil {
		return nil, false
	}
	key := EmbeddingKey(model, text)
	if e.client == nil {
		if v, ok := e.local.Get(key); ok {
			embeddingLookups.WithLabelValues("hit").Inc()
			return append([]float32(nil), v...), true
		}
		embeddingLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	ctx, cancel := e.cacheContext(ctx)
	defer cancel()
	raw, err := e.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("cache: read query embedding: %v", err)
		}
		embeddingLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	v, err := vectors.Parse(raw)
	if err != nil || len(v) == 0 {
		embeddingLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	embeddingLookups.WithLabelValues("hit").Inc()
	return v, true
}

// Set 写入向量，失败只记录日志。
func (e *Embeddings) Set(ctx context.Context, model, text string, v []float32) {
	if e == nil || len(v) == 0 {
		return
	}
	key := EmbeddingKey(model, text)
	if e.client == nil {
		e.local.Add(key, append([]float32(nil), v...))
		return
	}

	ctx, cancel := e.cacheContext(ctx)
	defer cancel()
	if err := e.client.Set(ctx, key, vectors.Format(v), e.ttl).Err(); err != nil {
		log.Printf("cache: store query embedding: %v", err)
	}
}
