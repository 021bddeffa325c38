package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/tickgate/internal/rate"
)

// Set TICKGATE_TEST_REDIS=host:port to run these against a real server.
func redisStoreForTest(t *testing.T) (*RedisStore, string) {
	t.Helper()
	addr := os.Getenv("TICKGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("TICKGATE_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	key := "tickgate:test:" + uuid.NewString()
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), key).Err()
		_ = rdb.Close()
	})
	return NewRedisStore(rdb), key
}

func TestRedisStoreMatchesDecide(t *testing.T) {
	s, key := redisStoreForTest(t)
	ctx := context.Background()

	seed := State{LastTick: 100, Fresh: true}
	got, err := s.Seed(ctx, key, seed)
	require.NoError(t, err)
	require.Equal(t, seed, got)

	policies := []rate.Policy{rate.PerBlock{N: 2}, rate.Blocks{B: 3}}
	for _, p := range policies {
		_, err := s.rdb.Del(ctx, key).Result()
		require.NoError(t, err)
		_, err = s.Seed(ctx, key, seed)
		require.NoError(t, err)

		want := seed
		for _, tick := range []uint64{100, 100, 100, 101, 102, 103, 103, 107} {
			dec, err := s.Apply(ctx, key, p, tick)
			require.NoError(t, err)

			next, derr := Decide(p, want, tick)
			require.Equalf(t, derr == nil, dec.Allowed, "%v at %d", p, tick)
			require.Equal(t, want, dec.Prev)
			require.Equal(t, next, dec.Next)
			want = next
		}
		st, err := s.Load(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, st)
	}
}

func TestRedisStoreRevert(t *testing.T) {
	s, key := redisStoreForTest(t)
	ctx := context.Background()

	_, err := s.Seed(ctx, key, State{LastTick: 1})
	require.NoError(t, err)
	dec, err := s.Apply(ctx, key, rate.Blocks{B: 1}, 2)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	ok, err := s.Revert(ctx, key, dec)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, State{LastTick: 1}, st)
}

func TestRedisStoreUnknownKey(t *testing.T) {
	s, key := redisStoreForTest(t)
	_, err := s.Apply(context.Background(), key+":missing", rate.Blocks{B: 1}, 0)
	require.ErrorIs(t, err, ErrUnknownKey)
}
