package redis

import (
	"context"
	"fmt"
	"time"

	"fintrack-auth/internal/client"

	"go.uber.org/zap"
)

const (
	pinRetryPrefix = "pin_retry:"
	pinLockPrefix  = "pin_lock:"
)

// PinAttemptCache counts failed PIN entries per account and locks the
// account out for LockTTL once MaxAttempts is reached.
type PinAttemptCache struct {
	client      *client.RedisClient
	maxAttempts int
	lockTTL     time.Duration
	logger      *zap.Logger
}

func NewPinAttemptCache(c *client.RedisClient, maxAttempts int, lockTTL time.Duration, logger *zap.Logger) *PinAttemptCache {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &PinAttemptCache{client: c, maxAttempts: maxAttempts, lockTTL: lockTTL, logger: logger}
}

// LockedFor returns the remaining lockout, or zero when not locked.
func (c *PinAttemptCache) LockedFor(ctx context.Context, accountID string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, pinLockPrefix+accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to check PIN lock: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RegisterFailure records one failed attempt. When the attempt reaches the
// limit the account is locked and the lock duration returned.
func (c *PinAttemptCache) RegisterFailure(ctx context.Context, accountID string) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cnt, err := c.client.IncrWithExpire(ctx, pinRetryPrefix+accountID, c.lockTTL)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment PIN retry count: %w", err)
	}
	if int(cnt) < c.maxAttempts {
		return int(cnt), 0, nil
	}

	if err := c.client.Set(ctx, pinLockPrefix+accountID, "locked", c.lockTTL); err != nil {
		return int(cnt), 0, fmt.Errorf("failed to set PIN lock: %w", err)
	}
	if err := c.client.Del(ctx, pinRetryPrefix+accountID); err != nil {
		c.logger.Warn("Failed to clear PIN retry counter", zap.String("account_id", accountID), zap.Error(err))
	}
	c.logger.Warn("PIN locked after repeated failures",
		zap.String("account_id", accountID),
		zap.Duration("ttl", c.lockTTL))
	return int(cnt), c.lockTTL, nil
}

// Reset clears the counter and any lock, after a successful login or a PIN reset.
func (c *PinAttemptCache) Reset(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, pinRetryPrefix+accountID, pinLockPrefix+accountID); err != nil {
		return fmt.Errorf("failed to reset PIN attempts: %w", err)
	}
	return nil
}
