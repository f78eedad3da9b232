// Package cache wraps Redis with a probabilistic-early-recomputation read
// path so hot keys are refreshed by a single caller shortly before expiry
// instead of stampeding the upstream when they lapse.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veilswap/middleware/internal/metrics"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("cache: key not found")

const (
	// defaultDelta approximates the upstream recompute cost used by the
	// early-refresh probability when no measurement is available yet.
	defaultDelta = 300 * time.Millisecond
	// beta tunes how aggressively refreshes fire ahead of expiry.
	beta = 1.5

	lockTTL = 10 * time.Second
)

// Cache is a Redis-backed cache shared by the pricing, gas and rate layers.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
	group  singleflight.Group
	name   string
}

// New connects to Redis using a redis:// URL.
func New(redisURL, name string, logger *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger, name: name}, nil
}

// NewWithClient wraps an existing client, used by tests with miniredis-style
// fakes or a shared connection.
func NewWithClient(rdb *redis.Client, name string, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger, name: name}
}

// Close releases the underlying connection.
func (c *Cache) Close() error { return c.rdb.Close() }

// Ping checks the Redis connection, used by health endpoints.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// envelope is the stored representation: the payload plus the metadata the
// early-refresh check needs.
type envelope struct {
	Value     json.RawMessage `json:"v"`
	ExpiresAt time.Time       `json:"exp"`
	Delta     time.Duration   `json:"delta"`
}

// Get reads a key into dest without any refresh logic.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return json.Unmarshal(env.Value, dest)
}

// Set writes a key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.set(ctx, key, value, ttl, defaultDelta)
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl, delta time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{
		Value:     payload,
		ExpiresAt: time.Now().Add(ttl),
		Delta:     delta,
	})
	if err != nil {
		return err
	}
	// Keys linger slightly past their logical expiry so a failed refresh
	// can still serve stale data.
	return c.rdb.Set(ctx, key, raw, ttl+lockTTL).Err()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Loader computes a fresh value for a key.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad reads key into dest, refreshing it through loader on a miss or
// when the early-refresh gate fires. Concurrent refreshes of the same key
// collapse to one loader call per process, and a short Redis lock keeps
// other processes serving the stale value meanwhile.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader, dest any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache get %s: %w", key, err)
	}

	var env envelope
	haveValue := false
	if err == nil {
		if err := json.Unmarshal(raw, &env); err == nil {
			haveValue = true
		}
	}

	if haveValue && !c.shouldRefresh(env) {
		metrics.CacheRequests.WithLabelValues(c.name, "hit").Inc()
		return json.Unmarshal(env.Value, dest)
	}

	outcome := "miss"
	if haveValue {
		outcome = "early_refresh"
	}

	fresh, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, ttl, loader, haveValue, env)
	})
	if err != nil {
		if haveValue {
			// Loader failed but a stale copy exists, serve it.
			c.logger.Warn("cache refresh failed, serving stale value",
				zap.String("key", key),
				zap.Error(err))
			metrics.CacheRequests.WithLabelValues(c.name, "stale").Inc()
			return json.Unmarshal(env.Value, dest)
		}
		return err
	}
	metrics.CacheRequests.WithLabelValues(c.name, outcome).Inc()
	return json.Unmarshal(fresh.(json.RawMessage), dest)
}

// shouldRefresh implements the XFetch gate: refresh when
// now + delta*beta*(-ln(U)) >= expiry, U uniform in (0, 1].
func (c *Cache) shouldRefresh(env envelope) bool {
	delta := env.Delta
	if delta <= 0 {
		delta = defaultDelta
	}
	u := rand.Float64()
	if u == 0 {
		u = 1e-9
	}
	early := time.Duration(float64(delta) * beta * -math.Log(u))
	return !time.Now().Add(early).Before(env.ExpiresAt)
}

func (c *Cache) refresh(ctx context.Context, key string, ttl time.Duration, loader Loader, haveStale bool, stale envelope) (any, error) {
	lockKey := key + ":lock"
	locked, err := c.rdb.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !locked {
		// Another process is already refreshing.
		if haveStale {
			return stale.Value, nil
		}
		// No stale copy to serve, load anyway.
	} else {
		defer c.rdb.Del(context.WithoutCancel(ctx), lockKey)
	}

	start := time.Now()
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	delta := time.Since(start)

	if err := c.set(ctx, key, value, ttl, delta); err != nil {
		c.logger.Warn("failed to store refreshed value",
			zap.String("key", key),
			zap.Error(err))
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}
