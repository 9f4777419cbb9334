package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	pageCachePrefix = "billing:charges"
	pageLoadTimeout = 30 * time.Second
)

// PageLoader fetches one charge page from the provider.
type PageLoader func(ctx context.Context, filter ChargeFilter) (*ChargePage, error)

// PageCache memoizes raw provider pages. Implementations must never store derived
// statuses; classification happens after the page is returned.
type PageCache interface {
	Page(ctx context.Context, filter ChargeFilter, load PageLoader) (*ChargePage, error)
}

// RedisPageCache keeps provider pages in Redis for a short TTL.
type RedisPageCache struct {
	client      *redis.Client
	ttl         time.Duration
	loadTimeout time.Duration
	loads       singleflight.Group
}

// NewRedisPageCache instantiates the cache. A non-positive ttl disables caching.
func NewRedisPageCache(client *redis.Client, ttl time.Duration) *RedisPageCache {
	return &RedisPageCache{client: client, ttl: ttl, loadTimeout: pageLoadTimeout}
}

// Page returns the cached page for filter or loads and stores it. Redis failures fall
// back to the loader.
func (c *RedisPageCache) Page(ctx context.Context, filter ChargeFilter, load PageLoader) (*ChargePage, error) {
	if load == nil {
		return nil, errors.New("billing: page loader required")
	}
	if c == nil || c.client == nil || c.ttl <= 0 {
		return load(ctx, filter)
	}
	key := pageKey(filter)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var page ChargePage
		if jsonErr := json.Unmarshal(raw, &page); jsonErr == nil {
			return &page, nil
		}
	}
	// Concurrent misses for one key share a single provider call. The shared page is
	// read-only for every caller. The load outlives the caller that started it, so a
	// disconnect only abandons that caller's wait.
	result := c.loads.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		page, err := load(loadCtx, filter)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(page); err == nil {
			_ = c.client.Set(loadCtx, key, data, c.ttl).Err()
		}
		return page, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ChargePage), nil
	}
}

// Invalidate drops every cached page.
func (c *RedisPageCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, pageCachePrefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("billing: scan cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func pageKey(f ChargeFilter) string {
	parts := []string{
		pageCachePrefix,
		"sub=" + f.SubscriptionID,
		"cus=" + f.CustomerID,
		"st=" + f.Status,
		"from=" + formatDate(f.DueFrom),
		"to=" + formatDate(f.DueTo),
		fmt.Sprintf("o=%d", f.Offset),
		fmt.Sprintf("l=%d", f.Limit),
		"ord=" + string(f.Order),
	}
	return strings.Join(parts, ":")
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
