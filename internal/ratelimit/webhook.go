package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/roamcart/roamcart/internal/config"
	"go.uber.org/zap"
)

// WebhookLimiter throttles webhook deliveries per source address. The
// limiter fails open: when redis is unreachable the delivery is let
// through, since dropping a webhook costs more than a burst does.
type WebhookLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

func NewWebhookLimiter(bucket *TokenBucket, cfg config.Config, log *zap.Logger) *WebhookLimiter {
	if bucket == nil || !cfg.RateLimit.Enabled {
		return nil
	}
	rate := cfg.RateLimit.WebhookRate
	if rate <= 0 {
		rate = 20
	}
	burst := cfg.RateLimit.WebhookBurst
	if burst <= 0 {
		burst = 60
	}
	return &WebhookLimiter{
		bucket: bucket,
		log:    log.Named("ratelimit.webhook"),
		rate:   rate,
		burst:  burst,
	}
}

// Middleware returns a gin handler enforcing the per-source limit. A nil
// limiter yields a pass-through handler.
func (w *WebhookLimiter) Middleware() gin.HandlerFunc {
	if w == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := "ratelimit:webhook:" + c.ClientIP()
		res, err := w.bucket.Allow(c.Request.Context(), key, w.rate, w.burst)
		if err != nil {
			w.log.Warn("rate limit check failed, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limited",
			})
			return
		}
		c.Next()
	}
}
