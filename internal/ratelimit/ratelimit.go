package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/3xpluto/tickgate/internal/rate"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownKey        = errors.New("unknown admission key")
)

// State is the persisted counting state of one gate. It is shared by every
// sender of that gate.
type State struct {
	LastTick    uint64 `json:"last_tick"`
	CountInTick uint64 `json:"count_in_tick"`
	// Fresh is set until the first admission of a gate that starts open.
	Fresh bool `json:"fresh"`
}

// Decision is the result of one Apply. Prev and Next are equal when the
// attempt was rejected.
type Decision struct {
	Allowed bool
	Tick    uint64
	Prev    State
	Next    State
}

// Store owns admission state and serializes every read-decide-write on it.
type Store interface {
	// Seed stores st unless key already exists and returns the state in effect.
	Seed(ctx context.Context, key string, st State) (State, error)
	Apply(ctx context.Context, key string, p rate.Policy, tick uint64) (Decision, error)
	// Revert restores d.Prev if key still holds d.Next.
	Revert(ctx context.Context, key string, d Decision) (bool, error)
	Load(ctx context.Context, key string) (State, error)
	Close() error
}

// Decide applies policy p to st at tick. On rejection it returns st unchanged
// together with ErrRateLimitExceeded.
func Decide(p rate.Policy, st State, tick uint64) (State, error) {
	next := st
	switch p := p.(type) {
	case rate.PerBlock:
		if tick != next.LastTick {
			next.LastTick = tick
			next.CountInTick = 0
		}
		if next.CountInTick >= p.N {
			return st, ErrRateLimitExceeded
		}
		next.CountInTick++

	case rate.Blocks:
		var elapsed uint64
		if tick > st.LastTick {
			elapsed = tick - st.LastTick
		}
		if !st.Fresh && elapsed < p.B {
			return st, ErrRateLimitExceeded
		}
		next.LastTick = tick

	default:
		return st, fmt.Errorf("%w: %v", rate.ErrInvalidPolicy, p)
	}
	next.Fresh = false
	return next, nil
}
