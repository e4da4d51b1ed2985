package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// NopCache is used when no Redis is configured. Every lookup misses.
type NopCache struct{}

func (NopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (NopCache) Get(context.Context, string) (string, error)                  { return "", redis.Nil }
func (NopCache) Del(context.Context, ...string) error                          { return nil }

func templateCacheKey(userID int64) string {
	return fmt.Sprintf("template:%d", userID)
}

// cachedTemplate returns the cached template for userID. Misses and cache faults both return nil.
func (uc *BiometricUseCase) cachedTemplate(ctx context.Context, requestID string, userID int64) []byte {
	var value string
	err := uc.withRedisRetry(ctx, requestID, "cache.get.template", func() error {
		v, err := uc.cache.Get(ctx, templateCacheKey(userID))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.template", requestID).Warn("failed to read template cache", zap.Error(err))
		}
		return nil
	}
	if value == "" {
		return nil
	}
	return []byte(value)
}

func (uc *BiometricUseCase) storeCachedTemplate(ctx context.Context, requestID string, userID int64, data []byte) {
	err := uc.withRedisRetry(ctx, requestID, "cache.set.template", func() error {
		return uc.cache.Set(ctx, templateCacheKey(userID), string(data), uc.templateTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.template", requestID).Warn("failed to cache template", zap.Error(err))
	}
}

func (uc *BiometricUseCase) evictCachedTemplate(ctx context.Context, requestID string, userID int64) {
	err := uc.withRedisRetry(ctx, requestID, "cache.del.template", func() error {
		return uc.cache.Del(ctx, templateCacheKey(userID))
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.del.template", requestID).Warn("failed to evict cached template", zap.Error(err))
	}
}

func (uc *BiometricUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Debug("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
