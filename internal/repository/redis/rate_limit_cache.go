package redis

import (
	"context"
	"fmt"
	"time"

	"fintrack-auth/internal/client"

	"go.uber.org/zap"
)

const ipRateLimitPrefix = "ip_rate_limit:"

// RateLimitCache is a fixed-window request counter keyed by client IP.
type RateLimitCache struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewRateLimitCache(c *client.RedisClient, limit int, window time.Duration, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{client: c, limit: limit, window: window, logger: logger}
}

// Allow counts one request for ip. When the window is exhausted it
// returns false and the time until the window resets.
func (c *RateLimitCache) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := ipRateLimitPrefix + ip
	count, err := c.client.IncrWithExpire(ctx, key, c.window)
	if err != nil {
		return true, 0, fmt.Errorf("failed to increment ip counter: %w", err)
	}
	if int(count) <= c.limit {
		return true, 0, nil
	}

	ttl, err := c.client.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = c.window
	}
	c.logger.Debug("IP rate limit exceeded",
		zap.String("ip", ip),
		zap.Int64("count", count),
		zap.Duration("retry_after", ttl))
	return false, ttl, nil
}
