package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] hit history (zset scored by ms), KEYS[2] block marker holding the
// unblock time in ms.
// ARGV: now_ms, window_ms, capacity, block_ms, member
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local blocked = tonumber(redis.call('GET', KEYS[2]) or '0')
if blocked > now then
  return {0, redis.call('ZCARD', KEYS[1]), blocked}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[5])
local count = redis.call('ZCARD', KEYS[1])
if count > capacity then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], now + block, 'PX', block)
  return {0, count, now + block}
end
redis.call('PEXPIRE', KEYS[1], window)
return {1, count, 0}
`)

// RedisStore shares rate windows between gateway instances. Each consume is
// a single Lua script so it is atomic on the server.
type RedisStore struct {
	rdb redis.Scripter
}

func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Consume(ctx context.Context, key string, now time.Time, p Policy) (Decision, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{key + ":hits", key + ":block"},
		nowMs, p.Window.Milliseconds(), p.Capacity, p.Block.Milliseconds(), member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis consume: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis consume: unexpected reply %v", res)
	}

	d := Decision{Allowed: res[0] == 1, Count: int(res[1])}
	if res[2] > 0 {
		d.BlockedUntil = time.UnixMilli(res[2])
	}
	return d, nil
}
