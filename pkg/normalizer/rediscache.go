package normalizer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlobCache is the concrete BlobCache backing every normalizer
// instance in production: raw downloaded bytes mirrored under a short TTL
// so a later tool call (transcribe_audio, sandboxed execution) reads from
// Redis instead of re-downloading from the platform. Grounded on
// pkg/queue's *redis.Client wiring — the same connection pool is shared,
// this package just uses a different key namespace ("blob:" instead of
// "write:queue").
type RedisBlobCache struct {
	rdb *redis.Client
}

func NewRedisBlobCache(rdb *redis.Client) *RedisBlobCache {
	return &RedisBlobCache{rdb: rdb}
}

func (c *RedisBlobCache) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves a previously cached blob by the same key Put used —
// exposed for tools (transcribe_audio, sandboxed execution) that need the
// raw bytes of a file already seen by the normalizer this conversation.
func (c *RedisBlobCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}
