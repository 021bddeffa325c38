// Package gate couples an admission engine with the relay to its origin.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/rate"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
)

// RelayFailureMode decides what happens to tick accounting when an admitted
// forward cannot be delivered.
type RelayFailureMode string

const (
	// KeepAdmission counts the attempt as authorized regardless of delivery.
	KeepAdmission RelayFailureMode = "keep"
	// RevertAdmission undoes the admission when delivery fails.
	RevertAdmission RelayFailureMode = "revert"
)

func ParseRelayFailureMode(s string) (RelayFailureMode, error) {
	switch RelayFailureMode(s) {
	case "", KeepAdmission:
		return KeepAdmission, nil
	case RevertAdmission:
		return RevertAdmission, nil
	default:
		return "", fmt.Errorf("gate: unknown relay failure mode %q", s)
	}
}

type Config struct {
	Name           string
	Engine         *ratelimit.Engine
	Relay          relay.Relay // nil: meter only
	OnRelayFailure RelayFailureMode
	Metrics        *Metrics
	Log            *zap.Logger
}

type Gate struct {
	name    string
	engine  *ratelimit.Engine
	relay   relay.Relay
	relays  bool
	onFail  RelayFailureMode
	metrics *Metrics
	log     *zap.Logger
}

// Outcome describes a forward that passed admission.
type Outcome struct {
	Tick     uint64
	Relayed  bool
	Reverted bool
}

func New(cfg Config) (*Gate, error) {
	if cfg.Name == "" {
		return nil, errors.New("gate: name required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("gate: engine required")
	}
	mode, err := ParseRelayFailureMode(string(cfg.OnRelayFailure))
	if err != nil {
		return nil, err
	}
	g := &Gate{
		name:    cfg.Name,
		engine:  cfg.Engine,
		relay:   cfg.Relay,
		relays:  cfg.Relay != nil,
		onFail:  mode,
		metrics: cfg.Metrics,
		log:     cfg.Log,
	}
	if g.relay == nil {
		g.relay = relay.Noop{}
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g, nil
}

func (g *Gate) Name() string                       { return g.name }
func (g *Gate) Relaying() bool                     { return g.relays }
func (g *Gate) RelayFailureMode() RelayFailureMode { return g.onFail }
func (g *Gate) Policy() rate.Policy                { return g.engine.Policy() }

// Forward admits one attempt at tick and relays it. Rejections return
// ratelimit.ErrRateLimitExceeded and are final; nothing is queued.
func (g *Gate) Forward(ctx context.Context, sender string, payload []byte, tick uint64) (Outcome, error) {
	adm, err := g.engine.TryAdmit(ctx, tick)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			g.metrics.admission(g.name, "rejected")
			g.log.Debug("forward rejected",
				zap.String("gate", g.name),
				zap.String("sender", sender),
				zap.Uint64("tick", tick))
			return Outcome{}, err
		}
		g.metrics.admission(g.name, "error")
		return Outcome{}, err
	}
	g.metrics.admission(g.name, "admitted")
	g.metrics.state(g.name, adm.Next)

	out := Outcome{Tick: tick}
	if !g.relays {
		g.metrics.relayed(g.name, "skipped")
		return out, nil
	}

	err = g.relay.Dispatch(ctx, relay.Notification{Sender: sender, Payload: payload})
	if err == nil {
		g.metrics.relayed(g.name, "ok")
		out.Relayed = true
		return out, nil
	}
	g.metrics.relayed(g.name, "failed")

	if g.onFail == RevertAdmission {
		reverted, rerr := g.engine.Revert(ctx, adm)
		if rerr != nil {
			g.log.Warn("revert after relay failure failed",
				zap.String("gate", g.name),
				zap.Uint64("tick", tick),
				zap.Error(rerr))
		}
		if reverted {
			out.Reverted = true
			g.metrics.reverted(g.name)
			g.metrics.state(g.name, adm.Prev)
		}
	}
	g.log.Warn("relay failed",
		zap.String("gate", g.name),
		zap.String("sender", sender),
		zap.Uint64("tick", tick),
		zap.Bool("reverted", out.Reverted),
		zap.Error(err))
	return out, err
}

func (g *Gate) Snapshot(ctx context.Context) (ratelimit.Snapshot, error) {
	return g.engine.Snapshot(ctx)
}

// Registry holds gates by name.
type Registry struct {
	gates map[string]*Gate
}

func NewRegistry(gates ...*Gate) (*Registry, error) {
	r := &Registry{gates: make(map[string]*Gate, len(gates))}
	for _, g := range gates {
		if _, dup := r.gates[g.name]; dup {
			return nil, fmt.Errorf("gate: duplicate gate %q", g.name)
		}
		r.gates[g.name] = g
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Gate, bool) {
	g, ok := r.gates[name]
	return g, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.gates))
	for n := range r.gates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
