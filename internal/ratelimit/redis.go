package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/tickgate/internal/rate"
)

// Ticks are written back verbatim from ARGV so they stay exact; arithmetic in
// Lua is done on doubles and is exact below 2^53.

var seedScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "last_tick", ARGV[1], "count", ARGV[2], "fresh", ARGV[3])
end
local d = redis.call("HMGET", key, "last_tick", "count", "fresh")
return {d[1], d[2], d[3]}
`)

var applyScript = redis.NewScript(`
local key = KEYS[1]
local kind = ARGV[1]
local limit = tonumber(ARGV[2])
local tick_s = ARGV[3]
local tick = tonumber(tick_s)

if redis.call("EXISTS", key) == 0 then
  return {-1}
end

local d = redis.call("HMGET", key, "last_tick", "count", "fresh")
local last_s = d[1]
local last = tonumber(last_s)
local count = tonumber(d[2]) or 0
local fresh = tonumber(d[3]) or 0

local allowed = 0
local next_last = last_s
local next_count = count

if kind == "per_block" then
  if tick ~= last then
    next_last = tick_s
    next_count = 0
  end
  if next_count < limit then
    allowed = 1
    next_count = next_count + 1
  end
elseif kind == "blocks" then
  local elapsed = 0
  if tick > last then
    elapsed = tick - last
  end
  if fresh == 1 or elapsed >= limit then
    allowed = 1
    next_last = tick_s
  end
else
  return redis.error_reply("unknown policy kind " .. kind)
end

if allowed == 1 then
  redis.call("HSET", key, "last_tick", next_last, "count", next_count, "fresh", 0)
  return {1, last_s, count, fresh, next_last, next_count, 0}
end
return {0, last_s, count, fresh, last_s, count, fresh}
`)

var revertScript = redis.NewScript(`
local key = KEYS[1]
local d = redis.call("HMGET", key, "last_tick", "count", "fresh")
if not d[1] then
  return -1
end
if d[1] == ARGV[1] and tonumber(d[2]) == tonumber(ARGV[2]) and tonumber(d[3]) == tonumber(ARGV[3]) then
  redis.call("HSET", key, "last_tick", ARGV[4], "count", ARGV[5], "fresh", ARGV[6])
  return 1
end
return 0
`)

// RedisStore keeps admission state in a Redis hash per key. Each operation is
// a single Lua script, so Redis serializes the check and the update.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Seed(ctx context.Context, key string, st State) (State, error) {
	res, err := seedScript.Run(ctx, r.rdb, []string{key}, fmtUint(st.LastTick), fmtUint(st.CountInTick), fmtBool(st.Fresh)).Result()
	if err != nil {
		return State{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return State{}, fmt.Errorf("ratelimit: unexpected seed reply %T", res)
	}
	return stateFrom(arr)
}

func (r *RedisStore) Apply(ctx context.Context, key string, p rate.Policy, tick uint64) (Decision, error) {
	kind, limit, err := policyArgs(p)
	if err != nil {
		return Decision{}, err
	}
	res, err := applyScript.Run(ctx, r.rdb, []string{key}, kind, fmtUint(limit), fmtUint(tick)).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected apply reply %T", res)
	}
	if len(arr) == 1 && toInt(arr[0]) == -1 {
		return Decision{}, ErrUnknownKey
	}
	if len(arr) != 7 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected apply reply length %d", len(arr))
	}
	prev, err := stateFrom(arr[1:4])
	if err != nil {
		return Decision{}, err
	}
	next, err := stateFrom(arr[4:7])
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: toInt(arr[0]) == 1, Tick: tick, Prev: prev, Next: next}, nil
}

func (r *RedisStore) Revert(ctx context.Context, key string, d Decision) (bool, error) {
	if !d.Allowed {
		return false, nil
	}
	res, err := revertScript.Run(ctx, r.rdb, []string{key},
		fmtUint(d.Next.LastTick), fmtUint(d.Next.CountInTick), fmtBool(d.Next.Fresh),
		fmtUint(d.Prev.LastTick), fmtUint(d.Prev.CountInTick), fmtBool(d.Prev.Fresh),
	).Int64()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, ErrUnknownKey
	}
	return res == 1, nil
}

func (r *RedisStore) Load(ctx context.Context, key string) (State, error) {
	vals, err := r.rdb.HMGet(ctx, key, "last_tick", "count", "fresh").Result()
	if err != nil {
		return State{}, err
	}
	if len(vals) != 3 || vals[0] == nil {
		return State{}, ErrUnknownKey
	}
	return stateFrom(vals)
}

func (r *RedisStore) Close() error { return r.rdb.Close() }

func policyArgs(p rate.Policy) (string, uint64, error) {
	switch p := p.(type) {
	case rate.PerBlock:
		return "per_block", p.N, nil
	case rate.Blocks:
		return "blocks", p.B, nil
	default:
		return "", 0, fmt.Errorf("%w: %v", rate.ErrInvalidPolicy, p)
	}
}

func stateFrom(v []any) (State, error) {
	last, err := toUint(v[0])
	if err != nil {
		return State{}, fmt.Errorf("ratelimit: last_tick: %w", err)
	}
	count, err := toUint(v[1])
	if err != nil {
		return State{}, fmt.Errorf("ratelimit: count: %w", err)
	}
	fresh, err := toUint(v[2])
	if err != nil {
		return State{}, fmt.Errorf("ratelimit: fresh: %w", err)
	}
	return State{LastTick: last, CountInTick: count, Fresh: fresh == 1}, nil
}

func fmtUint(v uint64) string { return strconv.FormatUint(v, 10) }

func fmtBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toUint(v any) (uint64, error) {
	switch t := v.(type) {
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative value %d", t)
		}
		return uint64(t), nil
	case string:
		return strconv.ParseUint(t, 10, 64)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
