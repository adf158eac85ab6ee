package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisGrace keeps a finished period readable for a while after it rolls over.
const redisGrace = 7 * 24 * time.Hour

// KEYS[1] counter; ARGV[1] limit (-1 unlimited); ARGV[2] ttl seconds.
var redisCheckIncrScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if limit >= 0 and current >= limit then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisLedger keeps counters in Redis.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger constructs a RedisLedger.
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	return &RedisLedger{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Close releases the Redis connection pool.
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// CheckAndIncrement runs the check and the increment as one Lua script.
func (l *RedisLedger) CheckAndIncrement(ctx context.Context, userID, model string, limit int, now time.Time) (Result, error) {
	if userID == "" || model == "" {
		return Result{}, ErrInvalidKey
	}
	if l == nil || l.client == nil {
		return Result{}, fmt.Errorf("%w: nil redis client", ErrUnavailable)
	}
	reset := NextReset(now)
	result := Result{Limit: limit, ResetDate: reset}
	if limit == 0 {
		count, errCurrent := l.Current(ctx, userID, model, now)
		if errCurrent != nil {
			return Result{}, errCurrent
		}
		result.CallsCount = count
		return result, nil
	}
	if limit < 0 {
		limit = Unlimited
	}

	ttl := int64((reset.Sub(now) + redisGrace) / time.Second)
	res, errEval := redisCheckIncrScript.Run(ctx, l.client, []string{l.buildKey(userID, model, now)}, limit, ttl).Result()
	if errEval != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, errEval)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, errors.New("ledger redis: unexpected response type")
	}
	admitted, okAdmitted := toInt64(values[0])
	count, okCount := toInt64(values[1])
	if !okAdmitted || !okCount {
		return Result{}, errors.New("ledger redis: unexpected response type")
	}
	result.Admitted = admitted == 1
	result.CallsCount = int(count)
	return result, nil
}

// Current returns the period count without changing it.
func (l *RedisLedger) Current(ctx context.Context, userID, model string, now time.Time) (int, error) {
	if userID == "" || model == "" {
		return 0, ErrInvalidKey
	}
	if l == nil || l.client == nil {
		return 0, fmt.Errorf("%w: nil redis client", ErrUnavailable)
	}
	count, errGet := l.client.Get(ctx, l.buildKey(userID, model, now)).Int()
	if errors.Is(errGet, redis.Nil) {
		return 0, nil
	}
	if errGet != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, errGet)
	}
	return count, nil
}

func (l *RedisLedger) buildKey(userID, model string, now time.Time) string {
	key := "u:" + userID + ":m:" + model + ":p:" + PeriodKey(now)
	if l.prefix == "" {
		return key
	}
	return l.prefix + ":" + key
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
