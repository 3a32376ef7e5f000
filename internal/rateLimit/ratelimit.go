// Package rateLimit counts requests in shared Redis windows so every API
// instance enforces the same budget.
package rateLimit

import (
	"context"
	"strconv"
	"time"

	"github.com/robertarktes/experience-bookings/internal/observability"
)

type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow reports whether key is still within rate hits per period. A counter
// outage lets traffic through: the limiter guards abuse, not capacity.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	secs := int64(period / time.Second)
	if secs < 1 {
		secs = 1
	}
	fullKey := "rl:" + key + ":" + strconv.FormatInt(time.Now().Unix()/secs, 10)

	n, err := rl.counter.IncrWindow(ctx, fullKey, period)
	if err != nil {
		rl.logger.WithError(err).Warn("rate limit counter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
