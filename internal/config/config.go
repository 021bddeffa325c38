package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/tickgate/internal/rate"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Ingress IngressConfig `yaml:"ingress"`
	Tick    TickConfig    `yaml:"tick"`
	State   StateConfig   `yaml:"state"`
	Redis   RedisConfig   `yaml:"redis"`
	Relay   RelayConfig   `yaml:"relay"`
	Gates   []GateConfig  `yaml:"gates"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`        // "" (sender from body) | "hmac"
	HMACSecret string `yaml:"hmac_secret"` // shared secret for HS256
}

type IngressConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
	TTLSeconds     int     `yaml:"ttl_seconds"`
	CleanupSeconds int     `yaml:"cleanup_seconds"`
}

type TickConfig struct {
	Source         string `yaml:"source"` // header | clock | redis
	IntervalMillis int    `yaml:"interval_ms"`
	Epoch          string `yaml:"epoch"` // RFC3339, clock source
	RedisKey       string `yaml:"redis_key"`
}

type StateConfig struct {
	Backend   string `yaml:"backend"` // memory | redis
	KeyPrefix string `yaml:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RelayConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	RequestTimeoutSeconds        int `yaml:"request_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

// PolicyConfig sets exactly one of the two cadences.
type PolicyConfig struct {
	PerBlock *int64 `yaml:"per_block"`
	Blocks   *int64 `yaml:"blocks"`
}

type GateConcurrency struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

type GateCircuitBreaker struct {
	Enabled             bool `yaml:"enabled"`
	FailureThreshold    int  `yaml:"failure_threshold"`
	OpenSeconds         int  `yaml:"open_seconds"`
	HalfOpenMaxInFlight int  `yaml:"half_open_max_in_flight"`
}

type GateConfig struct {
	Name           string             `yaml:"name"`
	Policy         PolicyConfig       `yaml:"policy"`
	Origin         string             `yaml:"origin"`           // empty: meter only
	Start          string             `yaml:"start"`            // open | closed
	OnRelayFailure string             `yaml:"on_relay_failure"` // keep | revert
	Concurrency    GateConcurrency    `yaml:"concurrency"`
	CircuitBreaker GateCircuitBreaker `yaml:"circuit_breaker"`
}

// Policy builds the rate policy, failing with rate.ErrInvalidPolicy.
func (p PolicyConfig) Policy() (rate.Policy, error) {
	switch {
	case p.PerBlock != nil && p.Blocks != nil:
		return nil, fmt.Errorf("%w: set only one of per_block and blocks", rate.ErrInvalidPolicy)
	case p.PerBlock != nil:
		return rate.NewPerBlock(*p.PerBlock)
	case p.Blocks != nil:
		return rate.NewBlocks(*p.Blocks)
	default:
		return nil, fmt.Errorf("%w: one of per_block or blocks is required", rate.ErrInvalidPolicy)
	}
}

func (t TickConfig) Interval() time.Duration {
	return time.Duration(t.IntervalMillis) * time.Millisecond
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Ingress.TTLSeconds == 0 {
		cfg.Ingress.TTLSeconds = 300
	}
	if cfg.Ingress.CleanupSeconds == 0 {
		cfg.Ingress.CleanupSeconds = 60
	}

	if cfg.Tick.Source == "" {
		cfg.Tick.Source = "header"
	}
	if cfg.Tick.IntervalMillis == 0 {
		cfg.Tick.IntervalMillis = 1000
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = "memory"
	}
	if cfg.State.KeyPrefix == "" {
		cfg.State.KeyPrefix = "tickgate:"
	}

	if cfg.Relay.DialTimeoutSeconds == 0 {
		cfg.Relay.DialTimeoutSeconds = 5
	}
	if cfg.Relay.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Relay.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Relay.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Relay.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Relay.RequestTimeoutSeconds == 0 {
		cfg.Relay.RequestTimeoutSeconds = 30
	}
	if cfg.Relay.IdleConnTimeoutSeconds == 0 {
		cfg.Relay.IdleConnTimeoutSeconds = 90
	}
	if cfg.Relay.MaxIdleConns == 0 {
		cfg.Relay.MaxIdleConns = 100
	}
	if cfg.Relay.MaxIdleConnsPerHost == 0 {
		cfg.Relay.MaxIdleConnsPerHost = 20
	}

	for i := range cfg.Gates {
		g := &cfg.Gates[i]
		g.Name = strings.TrimSpace(g.Name)
		if g.Start == "" {
			g.Start = "open"
		}
		if g.OnRelayFailure == "" {
			g.OnRelayFailure = "keep"
		}
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Gates) == 0 {
		return errors.New("no gates configured")
	}

	seenNames := map[string]struct{}{}
	for i, g := range cfg.Gates {
		idx := fmt.Sprintf("gates[%d]", i)
		name := g.Name
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if strings.IndexFunc(name, func(r rune) bool { return r == '/' || unicode.IsSpace(r) }) >= 0 {
			return fmt.Errorf("%s.name must not contain '/' or whitespace", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate gate name: %q", name)
		}
		seenNames[name] = struct{}{}

		if _, err := g.Policy.Policy(); err != nil {
			return fmt.Errorf("%s.policy: %w", idx, err)
		}

		if g.Origin != "" {
			u, err := url.Parse(g.Origin)
			if err != nil {
				return fmt.Errorf("%s.origin invalid: %v", idx, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("%s.origin must be an http(s) url", idx)
			}
		}

		switch strings.ToLower(g.Start) {
		case "open", "closed":
		default:
			return fmt.Errorf("%s.start must be 'open' or 'closed'", idx)
		}
		switch strings.ToLower(g.OnRelayFailure) {
		case "keep", "revert":
		default:
			return fmt.Errorf("%s.on_relay_failure must be 'keep' or 'revert'", idx)
		}

		if g.Concurrency.MaxInFlight < 0 {
			return fmt.Errorf("%s.concurrency.max_in_flight cannot be negative", idx)
		}
		if g.CircuitBreaker.Enabled {
			if g.Origin == "" {
				return fmt.Errorf("%s.circuit_breaker requires an origin", idx)
			}
			if g.CircuitBreaker.FailureThreshold < 0 || g.CircuitBreaker.OpenSeconds < 0 || g.CircuitBreaker.HalfOpenMaxInFlight < 0 {
				return fmt.Errorf("%s.circuit_breaker values cannot be negative", idx)
			}
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("state.backend must be 'redis' or 'memory'")
	}

	source := strings.ToLower(strings.TrimSpace(cfg.Tick.Source))
	switch source {
	case "header":
	case "clock":
		if cfg.Tick.IntervalMillis <= 0 {
			return fmt.Errorf("tick.interval_ms must be > 0")
		}
		if cfg.Tick.Epoch != "" {
			if _, err := time.Parse(time.RFC3339, cfg.Tick.Epoch); err != nil {
				return fmt.Errorf("tick.epoch invalid: %v", err)
			}
		}
	case "redis":
		if strings.TrimSpace(cfg.Tick.RedisKey) == "" {
			return fmt.Errorf("tick.redis_key is required when tick.source is redis")
		}
	default:
		return fmt.Errorf("tick.source must be 'header', 'clock' or 'redis'")
	}

	if (backend == "redis" || source == "redis") && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis is used")
	}

	if cfg.Ingress.Enabled {
		if cfg.Ingress.RPS <= 0 {
			return fmt.Errorf("ingress.rps must be > 0 when enabled")
		}
		if cfg.Ingress.Burst <= 0 {
			return fmt.Errorf("ingress.burst must be > 0 when enabled")
		}
	}

	if cfg.Auth.Mode != "" {
		mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
		switch mode {
		case "hmac":
			if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
				return fmt.Errorf("auth.hmac_secret is required when auth.mode is hmac")
			}
		default:
			return fmt.Errorf("auth.mode must be empty or 'hmac'")
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}
	return nil
}
