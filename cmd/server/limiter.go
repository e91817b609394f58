package main

import (
	"context"

	"github.com/guido-cesarano/broadcastq/pkg/status"
	"golang.org/x/time/rate"
)

// startLimiter decides whether another task may be started right now.
type startLimiter interface {
	Allow(ctx context.Context) (bool, error)
}

// redisLimiter shares one token bucket between every server using the same Redis.
type redisLimiter struct {
	store *status.RedisStore
	rps   float64
	burst int
}

func (l *redisLimiter) Allow(ctx context.Context) (bool, error) {
	return l.store.Allow(ctx, "task_start", l.rps, l.burst)
}

// localLimiter is the in-process fallback when statuses live in memory.
type localLimiter struct {
	limiter *rate.Limiter
}

func (l *localLimiter) Allow(context.Context) (bool, error) {
	return l.limiter.Allow(), nil
}

// newStartLimiter returns nil when rps is zero, which disables limiting.
func newStartLimiter(store *status.RedisStore, rps float64, burst int) startLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if store != nil {
		return &redisLimiter{store: store, rps: rps, burst: burst}
	}
	return &localLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}
