// Package cache wraps a Redis client around the scheduler's ready_set
// query, following the cache-aside GetOrSet pattern discovery_service
// uses for its own read-heavy endpoints. The cache is advisory only:
// every claim attempt still goes through the store's atomic
// compare_and_update_stage, so a stale read here can at worst hand a
// worker a stage that's already been claimed — the worker simply
// receives PRECONDITION_FAILED and moves on, per the "treat ready_set
// as advisory" concurrency guidance.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// TTLReadySet bounds how stale a cached ready set may be before it is
// recomputed; kept short because it's only a read-path optimization.
const TTLReadySet = 5 * time.Second

const keyPrefix = "orchestrator:ready_set"

// ReadySetCache is the advisory cache in front of Scheduler.ReadySet.
type ReadySetCache struct {
	client *redis.Client
	log    *logrus.Logger
}

// NewReadySetCache opens a client against redisURL and pings it once.
func NewReadySetCache(redisURL string, log *logrus.Logger) (*ReadySetCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &ReadySetCache{client: client, log: log}, nil
}

func cacheKey(stageFilter registry.StageName) string {
	if stageFilter == "" {
		return keyPrefix + ":*"
	}
	return keyPrefix + ":" + string(stageFilter)
}

// GetOrLoad returns the cached ready set for stageFilter, or calls
// loader on a miss and populates the cache for TTLReadySet. Never
// returns a cache error to the caller — a cache failure just means the
// loader runs every time, same fallback discovery_service's GetOrSet
// gives on a marshal/Redis error.
func (c *ReadySetCache) GetOrLoad(ctx context.Context, stageFilter registry.StageName, loader func() ([]stagecontract.ReadyItem, error)) ([]stagecontract.ReadyItem, error) {
	key := cacheKey(stageFilter)

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var items []stagecontract.ReadyItem
		if err := json.Unmarshal(data, &items); err == nil {
			return items, nil
		}
	} else if err != redis.Nil {
		c.log.WithError(err).WithField("key", key).Warn("ready set cache get error")
	}

	items, err := loader()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(items); err == nil {
		if err := c.client.Set(ctx, key, data, TTLReadySet).Err(); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("failed to populate ready set cache")
		}
	}
	return items, nil
}

// Invalidate drops every cached ready set. Called after any claim,
// complete, or fail so the next read reflects the mutation immediately
// instead of waiting out TTLReadySet — a best-effort freshness nudge,
// not a correctness requirement.
func (c *ReadySetCache) Invalidate(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, keyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.WithError(err).WithField("key", iter.Val()).Warn("failed to invalidate ready set cache entry")
		}
	}
	if err := iter.Err(); err != nil {
		c.log.WithError(err).Warn("scanning ready set cache keys for invalidation")
	}
}

// Close closes the underlying Redis client.
func (c *ReadySetCache) Close() error {
	return c.client.Close()
}
