package ratelimit

import (
	"github.com/roamcart/roamcart/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewTokenBucket),
	fx.Provide(NewWebhookLimiter),
)

// NewRedisClient returns nil when rate limiting is disabled; downstream
// constructors treat nil as "limiter off".
func NewRedisClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	log.Info("webhook rate limiting enabled", zap.String("redis_addr", cfg.RateLimit.RedisAddr))
	return client
}
