// Package tick supplies the coarse, non-decreasing counter gates admit
// against. Sources do not enforce monotonicity; they report what the host
// environment says.
package tick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoTick means the request carried no tick header.
var ErrNoTick = errors.New("no tick available")

// ErrTickUnset means a server-side source has not published a tick yet.
var ErrTickUnset = errors.New("tick source has no value")

type Source interface {
	Now(ctx context.Context) (uint64, error)
}

type ctxKey struct{}

// WithTick stores a caller supplied tick in ctx for the Header source.
func WithTick(ctx context.Context, t uint64) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

const HeaderName = "X-Tick"

// Header reads the tick the caller put in the X-Tick request header.
type Header struct{}

func (Header) Now(ctx context.Context) (uint64, error) {
	if t, ok := ctx.Value(ctxKey{}).(uint64); ok {
		return t, nil
	}
	return 0, ErrNoTick
}

// FromHeader parses X-Tick into the request context. Malformed values are
// rejected here so handlers only see ErrNoTick for missing ones.
func FromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderName))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		t, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  "bad_tick",
				"header": HeaderName,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTick(r.Context(), t)))
	})
}

// Clock derives ticks from wall time: one tick per Interval since Epoch.
type Clock struct {
	Epoch    time.Time
	Interval time.Duration
	now      func() time.Time
}

func NewClock(epoch time.Time, interval time.Duration) (*Clock, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("tick: interval must be > 0, got %s", interval)
	}
	return &Clock{Epoch: epoch, Interval: interval, now: time.Now}, nil
}

func (c *Clock) Now(context.Context) (uint64, error) {
	d := c.now().Sub(c.Epoch)
	if d < 0 {
		return 0, nil
	}
	return uint64(d / c.Interval), nil
}

// RedisSource reads an integer key the host environment keeps current, such
// as a block height.
type RedisSource struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisSource(rdb redis.UniversalClient, key string) *RedisSource {
	return &RedisSource{rdb: rdb, key: key}
}

func (s *RedisSource) Now(ctx context.Context) (uint64, error) {
	v, err := s.rdb.Get(ctx, s.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("tick: %s unset: %w", s.key, ErrTickUnset)
	}
	if err != nil {
		return 0, fmt.Errorf("tick: read %s: %w", s.key, err)
	}
	return v, nil
}

// Manual is advanced explicitly; used by tests and the simulate command.
type Manual struct {
	v atomic.Uint64
}

func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.v.Store(start)
	return m
}

func (m *Manual) Now(context.Context) (uint64, error) { return m.v.Load(), nil }
func (m *Manual) Set(t uint64)                        { m.v.Store(t) }
func (m *Manual) Advance(n uint64) uint64             { return m.v.Add(n) }
