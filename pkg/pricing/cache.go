package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis-backed price cache. One donation converts three
// amounts at the same block timestamp; caching per (token, currency,
// timestamp) collapses those into a single upstream call.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache initializes Redis-backed caching.
// addr: e.g., "localhost:6379"
// prefix: Key prefix (e.g., "receiptd:price:")
func NewCache(addr, password string, db int, prefix string, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "receiptd:price:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Cache{client: rdb, prefix: prefix, ttl: ttl}, nil
}

func (c *Cache) key(token, currency string, ts int64) string {
	return fmt.Sprintf("%s%s:%s:%d", c.prefix, token, currency, ts)
}

// Get returns the cached price and whether it was present. Errors are
// reported as a miss; the caller falls through to the upstream API.
func (c *Cache) Get(ctx context.Context, token, currency string, ts int64) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	v, err := c.client.Get(ctx, c.key(token, currency, ts)).Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Set stores a price. Failures are ignored; the cache is advisory.
func (c *Cache) Set(ctx context.Context, token, currency string, ts int64, price float64) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c.client.Set(ctx, c.key(token, currency, ts), price, c.ttl)
}

func (c *Cache) Close() error {
	return c.client.Close()
}
