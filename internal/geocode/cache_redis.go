package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the persistent tier of the geocoder cache: a durable
// key/value store behind the in-memory hot path, keyed by the raw address
// string. Grounded in the teacher's Redis-backed cache, narrowed to the
// single Get/Set surface the geocoder needs.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache wraps client as a PersistentCache. ttl of zero
// means entries never expire, matching spec.md §4.6's "persistent" tier.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "geocode:"}
}

type cachedResult struct {
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
	DisplayName string    `json:"display_name"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func (c *RedisCache) key(address string) string {
	return c.prefix + address
}

func (c *RedisCache) Get(ctx context.Context, address string) (Result, bool, error) {
	val, err := c.client.Get(ctx, c.key(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("geocode redis get: %w", err)
	}

	var cr cachedResult
	if err := json.Unmarshal(val, &cr); err != nil {
		return Result{}, false, fmt.Errorf("geocode redis decode: %w", err)
	}
	return Result{Lat: cr.Lat, Lon: cr.Lon, DisplayName: cr.DisplayName, FetchedAt: cr.FetchedAt}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, address string, result Result) error {
	cr := cachedResult{Lat: result.Lat, Lon: result.Lon, DisplayName: result.DisplayName, FetchedAt: result.FetchedAt}
	val, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("geocode redis encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(address), val, c.ttl).Err(); err != nil {
		return fmt.Errorf("geocode redis set: %w", err)
	}
	return nil
}
