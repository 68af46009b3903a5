package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache stores query embeddings by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// cacheKey keeps keys short and scoped to the embedding model.
func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:16])
}

// MemoryCache is a process-local LRU.
type MemoryCache struct {
	lru *lru.Cache[string, []float32]
}

// NewMemoryCache creates an LRU holding up to size vectors.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &MemoryCache{lru: c}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) error {
	c.lru.Add(key, vec)
	return nil
}

// RedisCache shares query embeddings across processes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl keeps entries until evicted.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "coursetutor:emb:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	vec, err := decodeVector(data)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) error {
	data, err := encodeVector(vec)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// encodeVector writes a little-endian length prefix followed by the float32 values.
func encodeVector(vec []float32) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + 4*len(vec))
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(vec))); err != nil {
		return nil, fmt.Errorf("writing length: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("writing vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float32, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("reading length: %w", err)
	}
	if int(n)*4 != r.Len() {
		return nil, fmt.Errorf("corrupt cached vector: length %d, %d bytes left", n, r.Len())
	}
	vec := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("reading vector: %w", err)
	}
	return vec, nil
}
