package cache

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the distributed Cache backend, grounded on the client
// construction and command idiom used for the-hive's Redis-backed job
// queue. Every operation degrades to a logged no-op on backend error, per
// spec.md §4.1/§9: cache backend errors are non-fatal.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a RedisCache from a connection URL
// (redis://host:port/db).
func NewRedisCache(addr string) (*RedisCache, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache: redis get %q failed: %v", key, err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttlSeconds int) {
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("cache: redis set %q failed: %v", key, err)
	}
}

// InvalidatePrefix scans for and deletes every key starting with prefix.
// SCAN is used instead of KEYS so invalidation never blocks the server
// under a large keyspace.
func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) {
	var cursor uint64
	match := strings.TrimSuffix(prefix, "") + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			log.Printf("cache: redis scan %q failed: %v", prefix, err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				log.Printf("cache: redis del under %q failed: %v", prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
