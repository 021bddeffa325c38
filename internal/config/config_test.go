package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3xpluto/tickgate/internal/rate"
)

const sampleYAML = `
server:
  addr: ":9090"
tick:
  source: clock
  interval_ms: 500
  epoch: "2024-01-01T00:00:00Z"
gates:
  - name: nft
    policy:
      per_block: 2
    origin: "http://127.0.0.1:9001/receive"
    on_relay_failure: revert
  - name: meter
    policy:
      blocks: 3
    start: closed
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickgate.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", cfg.Server.Addr)
	}
	if cfg.State.Backend != "memory" || cfg.Log.Format != "json" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.State, cfg.Log)
	}
	if cfg.Gates[1].OnRelayFailure != "keep" || cfg.Gates[0].Start != "open" {
		t.Fatalf("gate defaults not applied: %+v", cfg.Gates)
	}

	p, err := cfg.Gates[0].Policy.Policy()
	if err != nil || p != (rate.PerBlock{N: 2}) {
		t.Fatalf("expected per_block=2, got %v err=%v", p, err)
	}
	p, err = cfg.Gates[1].Policy.Policy()
	if err != nil || p != (rate.Blocks{B: 3}) {
		t.Fatalf("expected blocks=3, got %v err=%v", p, err)
	}
	if cfg.Tick.Interval().Milliseconds() != 500 {
		t.Fatalf("expected 500ms interval, got %s", cfg.Tick.Interval())
	}
}

func TestParseRejectsInvalidPolicy(t *testing.T) {
	cases := []string{
		"gates:\n  - name: a\n    policy:\n      per_block: 0\n",
		"gates:\n  - name: a\n    policy:\n      blocks: -1\n",
		"gates:\n  - name: a\n    policy:\n      blocks: 1\n      per_block: 1\n",
		"gates:\n  - name: a\n",
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		if !errors.Is(err, rate.ErrInvalidPolicy) {
			t.Fatalf("expected ErrInvalidPolicy for %q, got %v", c, err)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "no gates configured"},
		{"gates:\n  - name: a\n    policy: {blocks: 1}\n  - name: a\n    policy: {blocks: 1}\n", "duplicate gate name"},
		{"gates:\n  - name: a\n    policy: {blocks: 1}\n    origin: \"ftp://x\"\n", "origin must be an http(s) url"},
		{"gates:\n  - name: a\n    policy: {blocks: 1}\n    start: later\n", "start must be"},
		{"gates:\n  - name: a\n    policy: {blocks: 1}\n    on_relay_failure: retry\n", "on_relay_failure must be"},
		{"state:\n  backend: redis\ngates:\n  - name: a\n    policy: {blocks: 1}\n", "redis.addr is required"},
		{"tick:\n  source: redis\ngates:\n  - name: a\n    policy: {blocks: 1}\n", "tick.redis_key is required"},
		{"tick:\n  source: sundial\ngates:\n  - name: a\n    policy: {blocks: 1}\n", "tick.source must be"},
		{"auth:\n  mode: hmac\ngates:\n  - name: a\n    policy: {blocks: 1}\n", "auth.hmac_secret is required"},
		{"ingress:\n  enabled: true\ngates:\n  - name: a\n    policy: {blocks: 1}\n", "ingress.rps must be > 0"},
		{"gates:\n  - name: \"a\\t\"\n    policy: {blocks: 1}\n  - name: a\n    policy: {blocks: 1}\n", "duplicate gate name"},
		{"gates:\n  - name: \"a b\"\n    policy: {blocks: 1}\n", "must not contain"},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.in))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("Parse(%q): expected error containing %q, got %v", c.in, c.want, err)
		}
	}
}

func TestGateNameIsTrimmed(t *testing.T) {
	cfg, err := Parse([]byte("gates:\n  - name: \" mint\\t\"\n    policy: {blocks: 1}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gates[0].Name != "mint" {
		t.Fatalf("expected trimmed name, got %q", cfg.Gates[0].Name)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Gates) != 2 || cfg.Gates[1].Start != "open" {
		t.Fatalf("unexpected gates: %+v", cfg.Gates)
	}
}
