// Package ratelimit implements a sliding-window limiter over Redis sorted
// sets. The delivery worker uses it to cap queue claims per second.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config defines the limiter parameters.
type Config struct {
	Limit  int           // maximum events per window
	Window time.Duration // window size
}

// Limiter is a sliding-window rate limiter keyed by caller-supplied strings.
type Limiter struct {
	rdb    *redis.Client
	config Config
	logger *zap.Logger
}

func New(rdb *redis.Client, config Config, logger *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, config: config, logger: logger}
}

// Allow reports whether one more event fits in the window for key. Redis
// errors degrade open: the cap is an abuse guard, not a correctness guard,
// so an unreachable Redis must not stall delivery.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	now := time.Now()
	windowStart := now.Add(-l.config.Window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter unavailable, allowing", zap.Error(err))
		return true
	}

	if int(countCmd.Val()) >= l.config.Limit {
		return false
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	pipe2 := l.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe2.Expire(ctx, redisKey, l.config.Window+time.Second)
	if _, err := pipe2.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter record failed", zap.Error(err))
	}
	return true
}
