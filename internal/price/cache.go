package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopvault/risk-engine/internal/model"
)

// Cache keeps the last known good observation per asset.
type Cache interface {
	Get(ctx context.Context, asset string) (model.PriceObservation, bool, error)
	Put(ctx context.Context, obs model.PriceObservation) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	last map[string]model.PriceObservation
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{last: make(map[string]model.PriceObservation)}
}

func (c *MemoryCache) Get(_ context.Context, asset string) (model.PriceObservation, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obs, ok := c.last[strings.ToLower(asset)]
	return obs, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, obs model.PriceObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[strings.ToLower(obs.Asset)] = obs
	return nil
}

// RedisCache shares last known prices across restarts and replicas.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a Redis-backed cache. A zero ttl keeps entries
// until overwritten.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, asset string) (model.PriceObservation, bool, error) {
	data, err := c.rdb.Get(ctx, priceKey(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PriceObservation{}, false, nil
	}
	if err != nil {
		return model.PriceObservation{}, false, err
	}
	var obs model.PriceObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return model.PriceObservation{}, false, fmt.Errorf("price: decode cached %s: %w", asset, err)
	}
	return obs, true, nil
}

func (c *RedisCache) Put(ctx context.Context, obs model.PriceObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, priceKey(obs.Asset), data, c.ttl).Err()
}

func priceKey(asset string) string { return fmt.Sprintf("price:last:%s", strings.ToLower(asset)) }
