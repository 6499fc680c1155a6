package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "msg_rag/server/common/log"
)

const embeddingCachePrefix = "rag:embed:"

// RedisEmbeddingCache keeps remote vectors keyed by model and text hash.
// Cache errors are logged and treated as misses.
type RedisEmbeddingCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisEmbeddingCache(client redis.UniversalClient, ttl time.Duration) *RedisEmbeddingCache {
	return &RedisEmbeddingCache{client: client, ttl: ttl}
}

func (c *RedisEmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			commonlog.Warnf("event=rag_embed_cache action=get status=error err=%v", err)
		}
		return nil, false
	}
	vec, ok := decodeVector(raw)
	return vec, ok
}

func (c *RedisEmbeddingCache) Set(ctx context.Context, model, text string, vector []float32) {
	if err := c.client.Set(ctx, cacheKey(model, text), encodeVector(vector), c.ttl).Err(); err != nil {
		commonlog.Warnf("event=rag_embed_cache action=set status=error err=%v", err)
	}
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return embeddingCachePrefix + hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, true
}
