package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/guido-cesarano/broadcastq/pkg/logger"
	"github.com/guido-cesarano/broadcastq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps task statuses in Redis so they stay readable after the
// process restarts.
//
// Key layout:
//   - status:{id}: JSON encoded tasks.Status
//   - ratelimit:{name}: token bucket hash used by Allow
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a store connected to addr ("host:port").
// A zero ttl keeps records forever.
//
// Example:
//
//	store := status.NewRedisStore("localhost:6379", 0)
func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func statusKey(id tasks.ID) string {
	return fmt.Sprintf("status:%s", id)
}

// Write overwrites the record for id with st.
func (s *RedisStore) Write(ctx context.Context, id tasks.ID, st tasks.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, statusKey(id), data, s.ttl).Err()
}

// Read returns the record for id, or the default status if none was written.
func (s *RedisStore) Read(ctx context.Context, id tasks.ID) (tasks.Status, error) {
	raw, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tasks.NewStatus(), nil
	}
	if err != nil {
		return tasks.Status{}, err
	}
	var st tasks.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return tasks.Status{}, fmt.Errorf("decode status %s: %w", id, err)
	}
	return st, nil
}

// Ping waits for Redis to answer, retrying with exponential backoff for up to
// maxElapsed.
func (s *RedisStore) Ping(ctx context.Context, maxElapsed time.Duration) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = maxElapsed

	operation := func() error {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			logger.Log.Warn().Err(err).Msg("Redis not reachable, will retry")
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("redis not reachable after retries: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Allow checks whether one more event under key fits the rate limit.
// It uses a token bucket implemented in Lua so that every server sharing the
// Redis instance draws from the same bucket.
//
// Parameters:
//   - key: bucket name, stored as "ratelimit:{key}"
//   - limit: tokens added per second
//   - burst: bucket capacity
func (s *RedisStore) Allow(ctx context.Context, key string, limit float64, burst int) (bool, error) {
	result, err := tokenBucket.Run(ctx, s.rdb,
		[]string{"ratelimit:" + key},
		limit,
		burst,
		float64(time.Now().UnixMilli())/1000,
		1,
	).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec), ARGV[2]: burst, ARGV[3]: now (seconds), ARGV[4]: tokens requested
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', tostring(new_tokens), 'last_refill', tostring(now))
	return allowed
`)
