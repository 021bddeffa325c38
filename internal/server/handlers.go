package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/mw"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
	"github.com/3xpluto/tickgate/internal/tick"
)

type forwardRequest struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"` // base64 on the wire
}

type forwardResponse struct {
	Gate    string `json:"gate"`
	Tick    uint64 `json:"tick"`
	Relayed bool   `json:"relayed"`
}

func (s *Server) forwardHandler(e *entry) http.HandlerFunc {
	name := e.gate.Name()
	return func(w http.ResponseWriter, r *http.Request) {
		var req forwardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				mw.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request_too_large"})
				return
			}
			mw.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_request", "detail": err.Error()})
			return
		}

		sender := strings.TrimSpace(req.Sender)
		if sub, ok := mw.Subject(r.Context()); ok {
			sender = sub
		}
		if sender == "" {
			mw.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_sender"})
			return
		}

		t, err := s.opts.Ticks.Now(r.Context())
		if err != nil {
			if _, header := s.opts.Ticks.(tick.Header); header && errors.Is(err, tick.ErrNoTick) {
				mw.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_tick", "header": tick.HeaderName})
				return
			}
			s.opts.Log.Error("tick source failed", zap.String("gate", name), zap.Error(err))
			mw.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "tick_unavailable"})
			return
		}

		out, err := e.gate.Forward(r.Context(), sender, req.Payload, t)
		switch {
		case err == nil:
			mw.WriteJSON(w, http.StatusOK, forwardResponse{Gate: name, Tick: t, Relayed: out.Relayed})
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			mw.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate_limited",
				"gate":  name,
				"tick":  t,
			})
		case errors.Is(err, relay.ErrRelay):
			body := map[string]any{
				"error":    "relay_failed",
				"gate":     name,
				"tick":     t,
				"reverted": out.Reverted,
			}
			if errors.Is(err, relay.ErrCircuitOpen) {
				body["circuit"] = "open"
			}
			mw.WriteJSON(w, http.StatusBadGateway, body)
		default:
			s.opts.Log.Error("forward failed", zap.String("gate", name), zap.Uint64("tick", t), zap.Error(err))
			mw.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		}
	}
}

type stateView struct {
	LastTick    uint64 `json:"last_tick"`
	CountInTick uint64 `json:"count_in_tick"`
	Fresh       bool   `json:"fresh"`
}

type concurrencyView struct {
	MaxInFlight int `json:"max_in_flight"`
	InFlight    int `json:"in_flight"`
}

type gateView struct {
	Name           string              `json:"name"`
	Policy         string              `json:"policy"`
	State          stateView           `json:"state"`
	Start          string              `json:"start"`
	Relaying       bool                `json:"relaying"`
	OnRelayFailure string              `json:"on_relay_failure"`
	Concurrency    *concurrencyView    `json:"concurrency,omitempty"`
	CircuitBreaker *relay.BreakerStats `json:"circuit_breaker,omitempty"`
}

func (s *Server) view(r *http.Request, e *entry) (gateView, error) {
	snap, err := e.gate.Snapshot(r.Context())
	if err != nil {
		return gateView{}, err
	}
	v := gateView{
		Name:   e.gate.Name(),
		Policy: snap.Policy.String(),
		State: stateView{
			LastTick:    snap.State.LastTick,
			CountInTick: snap.State.CountInTick,
			Fresh:       snap.State.Fresh,
		},
		Start:          e.start,
		Relaying:       e.gate.Relaying(),
		OnRelayFailure: string(e.gate.RelayFailureMode()),
	}
	if e.sem.Enabled() {
		v.Concurrency = &concurrencyView{MaxInFlight: e.sem.Cap(), InFlight: e.sem.InUse()}
	}
	if e.breaker != nil {
		st := e.breaker.Stats()
		v.CircuitBreaker = &st
	}
	return v, nil
}

func (s *Server) listGates(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	out := make([]gateView, 0, len(names))
	for _, n := range names {
		v, err := s.view(r, s.entries[n])
		if err != nil {
			s.opts.Log.Error("snapshot failed", zap.String("gate", n), zap.Error(err))
			mw.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		out = append(out, v)
	}
	mw.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getGate(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entries[chi.URLParam(r, "gate")]
	if !ok {
		mw.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_gate"})
		return
	}
	v, err := s.view(r, e)
	if err != nil {
		s.opts.Log.Error("snapshot failed", zap.String("gate", e.gate.Name()), zap.Error(err))
		mw.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}
	mw.WriteJSON(w, http.StatusOK, v)
}
