package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/config"
	"github.com/3xpluto/tickgate/internal/gate"
	"github.com/3xpluto/tickgate/internal/logging"
	"github.com/3xpluto/tickgate/internal/mw"
	"github.com/3xpluto/tickgate/internal/netx"
	"github.com/3xpluto/tickgate/internal/ratelimit"
	"github.com/3xpluto/tickgate/internal/relay"
	"github.com/3xpluto/tickgate/internal/server"
	"github.com/3xpluto/tickgate/internal/tick"
)

const adminKeyEnv = "TICKGATE_ADMIN_KEY"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gate HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	var store ratelimit.Store
	if strings.EqualFold(cfg.State.Backend, "redis") {
		store = ratelimit.NewRedisStore(rdb)
	} else {
		store = ratelimit.NewMemoryStore()
		if rdb != nil {
			defer rdb.Close()
		}
	}
	defer store.Close()

	ticks, err := tickSource(cfg.Tick, rdb)
	if err != nil {
		return err
	}
	genesis, err := initialTick(ctx, ticks)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := relay.NewClient(relay.TransportConfig{
		DialTimeout:           time.Duration(cfg.Relay.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Relay.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Relay.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Relay.IdleConnTimeoutSeconds) * time.Second,
		RequestTimeout:        time.Duration(cfg.Relay.RequestTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Relay.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Relay.MaxIdleConnsPerHost,
	})

	built, err := gate.Build(ctx, cfg, gate.Deps{
		Store:   store,
		Client:  client,
		Metrics: gate.NewMetrics(reg),
		Log:     log,
	}, genesis)
	if err != nil {
		return err
	}
	for _, b := range built {
		log.Info("gate ready",
			zap.String("gate", b.Gate.Name()),
			zap.Stringer("policy", b.Gate.Policy()),
			zap.Bool("relaying", b.Gate.Relaying()),
			zap.String("start", b.Config.Start),
			zap.String("on_relay_failure", string(b.Gate.RelayFailureMode())),
			zap.Uint64("genesis_tick", genesis))
	}

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	var ingress *ratelimit.IngressLimiter
	if cfg.Ingress.Enabled {
		ingress = ratelimit.NewIngressLimiter(
			cfg.Ingress.RPS,
			cfg.Ingress.Burst,
			time.Duration(cfg.Ingress.TTLSeconds)*time.Second,
			time.Duration(cfg.Ingress.CleanupSeconds)*time.Second,
		)
		defer ingress.Close()
	}

	var auth mw.AuthHandler
	if strings.EqualFold(cfg.Auth.Mode, "hmac") {
		auth = mw.Authenticator{HMACSecret: []byte(cfg.Auth.HMACSecret)}
	}

	srv, err := server.New(server.Options{
		Gates:        built,
		Ticks:        ticks,
		Auth:         auth,
		Ingress:      ingress,
		IPResolver:   mw.IPResolver{Trusted: trusted},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminKey:     os.Getenv(adminKeyEnv),
		Gatherer:     reg,
		HTTPMetrics:  mw.NewMetrics(reg),
		Log:          log,
		Status: server.StatusInfo{
			ListenAddr:   cfg.Server.Addr,
			AuthMode:     cfg.Auth.Mode,
			StateBackend: cfg.State.Backend,
			TickSource:   cfg.Tick.Source,
		},
	})
	if err != nil {
		return err
	}

	httpSrv := server.NewHTTPServer(cfg.Server, srv.Handler())
	errCh := make(chan error, 1)
	go func() {
		log.Info("tickgate listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

// initialTick is the creation tick gates are seeded at. Only the header
// source has no tick outside a request; it starts at 0.
func initialTick(ctx context.Context, src tick.Source) (uint64, error) {
	t, err := src.Now(ctx)
	if err == nil {
		return t, nil
	}
	if _, header := src.(tick.Header); header && errors.Is(err, tick.ErrNoTick) {
		return 0, nil
	}
	return 0, fmt.Errorf("initial tick: %w", err)
}

func needsRedis(cfg *config.Config) bool {
	return strings.EqualFold(cfg.State.Backend, "redis") || strings.EqualFold(cfg.Tick.Source, "redis")
}

func tickSource(cfg config.TickConfig, rdb redis.UniversalClient) (tick.Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "header":
		return tick.Header{}, nil
	case "clock":
		epoch := time.Unix(0, 0).UTC()
		if cfg.Epoch != "" {
			t, err := time.Parse(time.RFC3339, cfg.Epoch)
			if err != nil {
				return nil, fmt.Errorf("tick.epoch: %w", err)
			}
			epoch = t
		}
		return tick.NewClock(epoch, cfg.Interval())
	case "redis":
		return tick.NewRedisSource(rdb, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown tick source %q", cfg.Source)
	}
}
