// Package cache abstracts the TTL caches used by the price provider. Two
// backends ship: an in-process one for single-instance deployments and a
// Redis one so multiple networks' pipelines can share one price budget.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache is a string-valued TTL cache. Values are decimal strings; parsing
// stays with the caller so backends never touch numeric types.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// InProcess wraps patrickmn/go-cache. Reads racing writes are safe; last
// writer wins, which is fine for TTL-bounded price data.
type InProcess struct {
	c *gocache.Cache
}

func NewInProcess() *InProcess {
	return &InProcess{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (p *InProcess) Get(_ context.Context, key string) (string, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (p *InProcess) Set(_ context.Context, key, value string, ttl time.Duration) {
	p.c.Set(key, value, ttl)
}

// Redis is a Redis-backed cache. Errors degrade to cache misses; the price
// provider then just re-fetches.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	r.client.Set(ctx, r.prefix+key, value, ttl)
}
