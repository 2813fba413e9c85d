// Package redisstore shares rate-limit windows across authd replicas.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantauth.dev/internal/ratelimit"
)

const keyPrefix = "ratelimit:"

// incrementScript increments KEYS[1] only while it is below ARGV[1]. The
// first hit creates the key with a TTL of ARGV[2] ms, so the window is
// anchored to that hit. Returns {count, pttl, allowed}.
var incrementScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return {1, tonumber(ARGV[2]), 1}
end
if count >= tonumber(ARGV[1]) then
  return {count, ttl, 0}
end
count = redis.call('INCR', KEYS[1])
return {count, ttl, 1}
`)

var _ ratelimit.Counter = (*Counter)(nil)

// Counter implements ratelimit.Counter on Redis.
type Counter struct {
	rdb redis.UniversalClient
}

func NewCounter(rdb redis.UniversalClient) *Counter {
	return &Counter{rdb: rdb}
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, addr string, db int) (*Counter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewCounter(rdb), nil
}

func (c *Counter) Close() error { return c.rdb.Close() }

// Client exposes the connection for readiness probes.
func (c *Counter) Client() redis.UniversalClient { return c.rdb }

func (c *Counter) Increment(ctx context.Context, key string, rule ratelimit.Rule, now time.Time) (ratelimit.Window, bool, error) {
	res, err := incrementScript.Run(ctx, c.rdb, []string{keyPrefix + key}, rule.MaxAttempts, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, false, err
	}
	if len(res) != 3 {
		return ratelimit.Window{}, false, fmt.Errorf("redis: unexpected script reply %v", res)
	}
	w := ratelimit.Window{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}
	return w, res[2] == 1, nil
}

func (c *Counter) Peek(ctx context.Context, key string, now time.Time) (ratelimit.Window, error) {
	k := keyPrefix + key
	pipe := c.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return ratelimit.Window{}, err
	}
	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return ratelimit.Window{}, nil
	}
	if err != nil {
		return ratelimit.Window{}, err
	}
	d := ttl.Val()
	if d <= 0 {
		return ratelimit.Window{}, nil
	}
	return ratelimit.Window{Count: count, ResetAt: now.Add(d)}, nil
}

func (c *Counter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, keyPrefix+key).Err()
}
