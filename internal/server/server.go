// Package server exposes gates over HTTP.
package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/config"
	"github.com/3xpluto/tickgate/internal/gate"
	"github.com/3xpluto/tickgate/internal/mw"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
	"github.com/3xpluto/tickgate/internal/tick"
)

// StatusInfo is echoed by the admin status endpoint.
type StatusInfo struct {
	ListenAddr   string
	AuthMode     string
	StateBackend string
	TickSource   string
}

type Options struct {
	Gates        []gate.Built
	Ticks        tick.Source
	Auth         mw.AuthHandler // nil: sender is taken from the request body
	Ingress      *ratelimit.IngressLimiter
	IPResolver   mw.IPResolver
	MaxBodyBytes int64
	AdminKey     string
	Gatherer     prometheus.Gatherer
	HTTPMetrics  *mw.Metrics
	Log          *zap.Logger
	Status       StatusInfo
}

type entry struct {
	gate    *gate.Gate
	breaker *relay.Breaker
	sem     *mw.Semaphore
	start   string
	forward http.Handler
}

type Server struct {
	opts      Options
	registry  *gate.Registry
	entries   map[string]*entry
	router    chi.Router
	startedAt time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Ticks == nil {
		return nil, errors.New("server: tick source required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	gates := make([]*gate.Gate, 0, len(opts.Gates))
	for _, b := range opts.Gates {
		gates = append(gates, b.Gate)
	}
	reg, err := gate.NewRegistry(gates...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		registry:  reg,
		entries:   make(map[string]*entry, len(opts.Gates)),
		startedAt: time.Now(),
	}
	for _, b := range opts.Gates {
		e := &entry{
			gate:    b.Gate,
			breaker: b.Breaker,
			sem:     mw.NewSemaphore(b.Config.Concurrency.MaxInFlight),
			start:   b.Config.Start,
		}
		e.forward = s.forwardChain(e)
		s.entries[b.Gate.Name()] = e
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(mw.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/gates", func(r chi.Router) {
		r.Get("/", s.wrap("list_gates", http.HandlerFunc(s.listGates)).ServeHTTP)
		r.Get("/{gate}", s.wrap("get_gate", http.HandlerFunc(s.getGate)).ServeHTTP)
		r.Post("/{gate}/forward", func(w http.ResponseWriter, r *http.Request) {
			e, ok := s.entries[chi.URLParam(r, "gate")]
			if !ok {
				mw.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_gate"})
				return
			}
			e.forward.ServeHTTP(w, r)
		})
	})

	r.Handle("/-/status", s.wrap("admin_status", mw.RequireAdminKey(s.opts.AdminKey, http.HandlerFunc(s.status))))
	return r
}

// wrap applies the cross-cutting middleware, outermost last.
func (s *Server) wrap(routeName string, h http.Handler) http.Handler {
	h = mw.Recover(s.opts.Log, h)
	h = mw.AccessLog(s.opts.Log, h)
	if s.opts.HTTPMetrics != nil {
		h = mw.Instrument(s.opts.HTTPMetrics, h)
	}
	return mw.WithRoute(h, routeName)
}

// forwardChain builds the per-gate handler. Ingress and concurrency shedding
// run before admission so shed requests never spend tick budget.
func (s *Server) forwardChain(e *entry) http.Handler {
	var h http.Handler = s.forwardHandler(e)
	h = mw.ConcurrencyLimit(e.sem, s.opts.HTTPMetrics, h)
	if s.opts.Auth != nil {
		h = mw.RequireAuth(s.opts.Auth, h)
	}
	h = mw.IngressLimit(s.opts.Ingress, s.opts.IPResolver, s.opts.HTTPMetrics, h)
	if _, ok := s.opts.Ticks.(tick.Header); ok {
		h = tick.FromHeader(h)
	}
	h = mw.MaxBodyBytes(s.opts.MaxBodyBytes, h)
	return s.wrap(e.gate.Name(), h)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	info, _ := debug.ReadBuildInfo()
	goVer := ""
	if info != nil {
		goVer = info.GoVersion
	}
	out := map[string]any{
		"time_utc":         time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"listen_addr":      s.opts.Status.ListenAddr,
		"go_version":       goVer,
		"auth_mode":        s.opts.Status.AuthMode,
		"state_backend":    s.opts.Status.StateBackend,
		"tick_source":      s.opts.Status.TickSource,
		"gates_configured": len(s.entries),
	}
	if s.opts.Ingress != nil {
		out["ingress_clients_tracked"] = s.opts.Ingress.Tracked()
	}
	if _, header := s.opts.Ticks.(tick.Header); !header {
		if t, err := s.opts.Ticks.Now(r.Context()); err == nil {
			out["tick"] = t
		}
	}
	mw.WriteJSON(w, http.StatusOK, out)
}

// NewHTTPServer applies the configured timeouts and header limit.
func NewHTTPServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}
