package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/3xpluto/tickgate/internal/rate"
)

// StartMode selects whether a fresh gate admits its first forward
// immediately or only once a full Blocks window has elapsed since creation.
type StartMode string

const (
	StartOpen   StartMode = "open"
	StartClosed StartMode = "closed"
)

type EngineConfig struct {
	Key    string
	Policy rate.Policy
	Store  Store
	Start  StartMode
}

// Engine is the admission engine of one gate.
type Engine struct {
	key    string
	policy rate.Policy
	store  Store
}

// Admission identifies one successful TryAdmit so it can be reverted.
type Admission struct {
	Decision
}

type Snapshot struct {
	Policy rate.Policy
	State  State
}

// NewEngine validates the policy and seeds the state at tick. A key that
// already holds state (e.g. after a restart against Redis) keeps it.
func NewEngine(ctx context.Context, cfg EngineConfig, tick uint64) (*Engine, error) {
	if err := rate.Validate(cfg.Policy); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if cfg.Key == "" {
		return nil, errors.New("ratelimit: empty key")
	}
	start := cfg.Start
	if start == "" {
		start = StartOpen
	}
	if start != StartOpen && start != StartClosed {
		return nil, fmt.Errorf("ratelimit: unknown start mode %q", start)
	}

	seed := State{LastTick: tick, Fresh: start == StartOpen}
	if _, err := cfg.Store.Seed(ctx, cfg.Key, seed); err != nil {
		return nil, fmt.Errorf("ratelimit: seed %s: %w", cfg.Key, err)
	}
	return &Engine{key: cfg.Key, policy: cfg.Policy, store: cfg.Store}, nil
}

// TryAdmit returns ErrRateLimitExceeded when tick falls outside the cadence
// window. State is only written on success.
func (e *Engine) TryAdmit(ctx context.Context, tick uint64) (Admission, error) {
	dec, err := e.store.Apply(ctx, e.key, e.policy, tick)
	if err != nil {
		return Admission{}, fmt.Errorf("ratelimit: apply %s: %w", e.key, err)
	}
	if !dec.Allowed {
		return Admission{}, ErrRateLimitExceeded
	}
	return Admission{Decision: dec}, nil
}

// Revert undoes a. It is a no-op when another admission landed after a.
func (e *Engine) Revert(ctx context.Context, a Admission) (bool, error) {
	ok, err := e.store.Revert(ctx, e.key, a.Decision)
	if err != nil {
		return false, fmt.Errorf("ratelimit: revert %s: %w", e.key, err)
	}
	return ok, nil
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	st, err := e.store.Load(ctx, e.key)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Policy: e.policy, State: st}, nil
}

func (e *Engine) Policy() rate.Policy { return e.policy }
func (e *Engine) Key() string         { return e.key }
