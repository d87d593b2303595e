package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/loanpilot/formgate/pkg/config"
)

// Cache wraps the Redis client used by the server-side record store, with a
// registry of in-memory TTL maps for state that never leaves the process
// (CSRF tokens, issued challenges).
type Cache struct {
	client  *redis.Client
	ttlMaps sync.Map
}

const (
	CSRFTTLName      = "csrf_tokens"
	ChallengeTTLName = "challenges"
)

func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewCacheWithClient is used by tests to inject a redismock client.
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// NewLocalCache builds a Cache with no Redis client behind it, serving only
// the in-process TTL map registry. Used when Redis is disabled.
func NewLocalCache() *Cache {
	return &Cache{}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Get(ctx, key).Result()
}

func (c *Cache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Cache) CreateTTLMap(name string, ttl time.Duration) *TTLMap {
	m := NewTTLMap(ttl)
	c.ttlMaps.Store(name, m)
	return m
}

func (c *Cache) GetTTLMap(name string) *TTLMap {
	if value, ok := c.ttlMaps.Load(name); ok {
		if m, ok := value.(*TTLMap); ok {
			return m
		}
	}
	return nil
}
