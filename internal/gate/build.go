package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/config"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
)

// Deps are the shared collaborators every configured gate is built on.
type Deps struct {
	Store   ratelimit.Store
	Client  *http.Client
	Metrics *Metrics
	Log     *zap.Logger
}

// Built is one gate plus the pieces the server exposes next to it.
type Built struct {
	Gate    *Gate
	Breaker *relay.Breaker // nil unless enabled
	Config  config.GateConfig
}

// Build creates a gate per entry of cfg.Gates, seeding each admission state
// at tick.
func Build(ctx context.Context, cfg *config.Config, deps Deps, tick uint64) ([]Built, error) {
	out := make([]Built, 0, len(cfg.Gates))
	for _, gc := range cfg.Gates {
		p, err := gc.Policy.Policy()
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", gc.Name, err)
		}
		eng, err := ratelimit.NewEngine(ctx, ratelimit.EngineConfig{
			Key:    cfg.State.KeyPrefix + "gate:" + gc.Name,
			Policy: p,
			Store:  deps.Store,
			Start:  ratelimit.StartMode(strings.ToLower(gc.Start)),
		}, tick)
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", gc.Name, err)
		}

		b := Built{Config: gc}
		var rl relay.Relay
		if gc.Origin != "" {
			u, err := url.Parse(gc.Origin)
			if err != nil {
				return nil, fmt.Errorf("gate %s: origin: %w", gc.Name, err)
			}
			rl = relay.NewHTTP(u, deps.Client, gc.Name)
			if gc.CircuitBreaker.Enabled {
				b.Breaker = relay.NewBreaker(rl, u.String(), relay.BreakerConfig{
					FailureThreshold:    gc.CircuitBreaker.FailureThreshold,
					OpenDuration:        time.Duration(gc.CircuitBreaker.OpenSeconds) * time.Second,
					HalfOpenMaxInFlight: gc.CircuitBreaker.HalfOpenMaxInFlight,
				})
				rl = b.Breaker
			}
		}

		g, err := New(Config{
			Name:           gc.Name,
			Engine:         eng,
			Relay:          rl,
			OnRelayFailure: RelayFailureMode(strings.ToLower(gc.OnRelayFailure)),
			Metrics:        deps.Metrics,
			Log:            deps.Log,
		})
		if err != nil {
			return nil, err
		}
		b.Gate = g
		out = append(out, b)
	}
	return out, nil
}
