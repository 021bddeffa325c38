package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/tickgate/internal/config"
	"github.com/3xpluto/tickgate/internal/rate"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
)

type recordingRelay struct {
	fail atomic.Bool
	last relay.Notification
	n    int
}

func (r *recordingRelay) Dispatch(_ context.Context, n relay.Notification) error {
	if r.fail.Load() {
		return &relay.RelayError{Origin: "test", Status: http.StatusBadGateway}
	}
	r.last = n
	r.n++
	return nil
}

func newGate(t *testing.T, p rate.Policy, rl relay.Relay, mode RelayFailureMode) (*Gate, *Metrics) {
	t.Helper()
	eng, err := ratelimit.NewEngine(context.Background(), ratelimit.EngineConfig{
		Key:    "gate:test",
		Policy: p,
		Store:  ratelimit.NewMemoryStore(),
	}, 0)
	require.NoError(t, err)
	m := NewMetrics(prometheus.NewRegistry())
	g, err := New(Config{Name: "test", Engine: eng, Relay: rl, OnRelayFailure: mode, Metrics: m})
	require.NoError(t, err)
	return g, m
}

func TestForwardRelaysSenderAndPayload(t *testing.T) {
	rr := &recordingRelay{}
	g, m := newGate(t, rate.Blocks{B: 1}, rr, KeepAdmission)

	out, err := g.Forward(context.Background(), "minter", []byte("hello"), 0)
	require.NoError(t, err)
	require.True(t, out.Relayed)
	require.Equal(t, relay.Notification{Sender: "minter", Payload: []byte("hello")}, rr.last)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("test", "admitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Relays.WithLabelValues("test", "ok")))
}

func TestForwardRejectedDoesNotRelay(t *testing.T) {
	rr := &recordingRelay{}
	g, m := newGate(t, rate.PerBlock{N: 1}, rr, KeepAdmission)

	_, err := g.Forward(context.Background(), "a", nil, 4)
	require.NoError(t, err)
	_, err = g.Forward(context.Background(), "b", nil, 4)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	require.Equal(t, 1, rr.n)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("test", "rejected")))
}

func TestForwardWithoutOriginMetersOnly(t *testing.T) {
	g, _ := newGate(t, rate.Blocks{B: 2}, nil, KeepAdmission)
	require.False(t, g.Relaying())

	out, err := g.Forward(context.Background(), "a", []byte("x"), 0)
	require.NoError(t, err)
	require.False(t, out.Relayed)

	_, err = g.Forward(context.Background(), "a", []byte("x"), 1)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
}

func TestRelayFailureKeepsAdmission(t *testing.T) {
	rr := &recordingRelay{}
	rr.fail.Store(true)
	g, _ := newGate(t, rate.PerBlock{N: 1}, rr, KeepAdmission)

	_, err := g.Forward(context.Background(), "a", nil, 1)
	require.ErrorIs(t, err, relay.ErrRelay)
	require.False(t, errors.Is(err, ratelimit.ErrRateLimitExceeded))

	// The failed delivery still used the tick's budget.
	_, err = g.Forward(context.Background(), "a", nil, 1)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	snap, err := g.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.State.CountInTick)
}

func TestRelayFailureRevertsAdmission(t *testing.T) {
	rr := &recordingRelay{}
	rr.fail.Store(true)
	g, m := newGate(t, rate.PerBlock{N: 1}, rr, RevertAdmission)

	out, err := g.Forward(context.Background(), "a", nil, 1)
	require.ErrorIs(t, err, relay.ErrRelay)
	require.True(t, out.Reverted)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reverts.WithLabelValues("test")))

	rr.fail.Store(false)
	out, err = g.Forward(context.Background(), "a", nil, 1)
	require.NoError(t, err)
	require.True(t, out.Relayed)
}

func TestParseRelayFailureMode(t *testing.T) {
	m, err := ParseRelayFailureMode("")
	require.NoError(t, err)
	require.Equal(t, KeepAdmission, m)
	_, err = ParseRelayFailureMode("retry")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	a, _ := newGate(t, rate.Blocks{B: 1}, nil, KeepAdmission)
	_, err := NewRegistry(a, a)
	require.Error(t, err)

	r, err := NewRegistry(a)
	require.NoError(t, err)
	got, ok := r.Get("test")
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, []string{"test"}, r.Names())
}

func TestBuildFromConfig(t *testing.T) {
	var received relay.Notification
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer origin.Close()

	cfg, err := config.Parse([]byte(`
gates:
  - name: relayed
    policy: {per_block: 1}
    origin: "` + origin.URL + `"
    circuit_breaker: {enabled: true, failure_threshold: 2}
  - name: meter
    policy: {blocks: 5}
    start: closed
`))
	require.NoError(t, err)

	built, err := Build(context.Background(), cfg, Deps{Store: ratelimit.NewMemoryStore(), Client: origin.Client()}, 10)
	require.NoError(t, err)
	require.Len(t, built, 2)
	require.NotNil(t, built[0].Breaker)
	require.Nil(t, built[1].Breaker)

	out, err := built[0].Gate.Forward(context.Background(), "s1", []byte("p"), 10)
	require.NoError(t, err)
	require.True(t, out.Relayed)
	require.Equal(t, "s1", received.Sender)

	_, err = built[1].Gate.Forward(context.Background(), "s1", nil, 12)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	_, err = built[1].Gate.Forward(context.Background(), "s1", nil, 15)
	require.NoError(t, err)
}
