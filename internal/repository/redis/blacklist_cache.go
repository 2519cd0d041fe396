package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fintrack-auth/internal/client"

	"go.uber.org/zap"
)

const (
	blacklistPrefix = "token_blacklist:"
	opTimeout       = 2 * time.Second
)

// BlacklistCache is a positive cache of revoked token digests. A miss means
// "ask the database", never "usable".
type BlacklistCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewBlacklistCache(c *client.RedisClient, logger *zap.Logger) *BlacklistCache {
	return &BlacklistCache{client: c, logger: logger}
}

// MarkRevoked caches digest as revoked until ttl passes. Entries outliving
// the token are pointless, so callers pass the remaining token lifetime.
func (c *BlacklistCache) MarkRevoked(ctx context.Context, digest string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, blacklistPrefix+digest, "1", ttl); err != nil {
		c.logger.Warn("Failed to cache revoked token", zap.Error(err))
		return fmt.Errorf("failed to cache revoked token: %w", err)
	}
	return nil
}

func (c *BlacklistCache) IsRevoked(ctx context.Context, digest string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.client.Get(ctx, blacklistPrefix+digest)
	if errors.Is(err, client.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read token blacklist cache: %w", err)
	}
	return true, nil
}
