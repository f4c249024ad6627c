package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/eugener/capgate/internal/admission"
	"github.com/eugener/capgate/internal/app"
	"github.com/eugener/capgate/internal/auth"
	"github.com/eugener/capgate/internal/cache"
	"github.com/eugener/capgate/internal/circuitbreaker"
	"github.com/eugener/capgate/internal/cloudauth"
	"github.com/eugener/capgate/internal/config"
	"github.com/eugener/capgate/internal/provider"
	"github.com/eugener/capgate/internal/provider/anthropic"
	"github.com/eugener/capgate/internal/provider/deepseek"
	"github.com/eugener/capgate/internal/provider/gemini"
	"github.com/eugener/capgate/internal/provider/ollama"
	"github.com/eugener/capgate/internal/provider/openai"
	"github.com/eugener/capgate/internal/ratelimit"
	"github.com/eugener/capgate/internal/server"
	"github.com/eugener/capgate/internal/storage/sqlite"
	"github.com/eugener/capgate/internal/telemetry"
	"github.com/eugener/capgate/internal/worker"
)

// dnsRefreshInterval is how often cached upstream addresses are re-resolved.
const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("starting capgate", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Shared state: Redis when configured, otherwise in process
	var (
		limiter    ratelimit.Limiter
		quotaCache cache.Cache
		rdb        *redis.Client
		evictable  = make(map[string]worker.Evictable)
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, cfg.Redis.Prefix+"rl:")
		quotaCache = cache.NewRedis(rdb, cfg.Redis.Prefix)
	} else {
		mem := ratelimit.NewMemory()
		evictable["ratelimit"] = mem
		limiter = mem
		maxTTL := max(cfg.Quota.DailyCacheTTL, cfg.Quota.MonthlyCacheTTL, cfg.Quota.UsageCacheTTL)
		if quotaCache, err = cache.NewMemory(cfg.Quota.CacheSize, maxTTL); err != nil {
			return err
		}
	}

	// Providers
	resolver := &dnscache.Resolver{}
	adapters, err := registerAdapters(ctx, cfg.Providers, resolver)
	if err != nil {
		return err
	}

	var breakers *circuitbreaker.Registry
	routerOpts := app.RouterOptions{FallbackScope: app.FallbackScope(cfg.Routing.FallbackScope)}
	if cfg.CircuitBreaker.IsEnabled() {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold:   cfg.CircuitBreaker.Threshold,
			MinSamples:  cfg.CircuitBreaker.MinSamples,
			Window:      cfg.CircuitBreaker.Window,
			OpenTimeout: cfg.CircuitBreaker.OpenTimeout,
		})
		routerOpts.Health = breakers
		evictable["circuitbreaker"] = breakers
	}

	// Admission
	clientAuth, err := auth.NewClientAuth(store)
	if err != nil {
		return err
	}
	quota := admission.NewQuotaGuard(store, quotaCache, admission.QuotaConfig{
		DailyTTL:      cfg.Quota.DailyCacheTTL,
		MonthlyTTL:    cfg.Quota.MonthlyCacheTTL,
		UsageTTL:      cfg.Quota.UsageCacheTTL,
		TextRatePer1K: cfg.Quota.TextRatePer1K,
		ImageRate:     cfg.Quota.ImageRate,
	}, metrics)
	pipeline := admission.New(clientAuth, store, limiter, quota, admission.Options{
		DefaultRPM: cfg.RateLimits.DefaultRPM,
		Metrics:    metrics,
	})

	// Orchestration
	recorder := worker.NewUsageRecorder(store, metrics)
	router := app.NewRouterService(store, store, routerOpts)
	orch := app.NewOrchestrator(app.OrchestratorConfig{
		Admission:        pipeline,
		Router:           router,
		Adapters:         adapters,
		Ledger:           recorder,
		Breakers:         breakers,
		Metrics:          metrics,
		DefaultMaxTokens: cfg.Routing.DefaultMaxTokens,
	})

	handler := server.New(server.Deps{
		Orchestrator:   orch,
		Authorizer:     pipeline,
		Catalog:        router,
		ReadyCheck:     readyCheck(store.Ping, rdb),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runner := worker.NewRunner(recorder, worker.NewEvictor(evictable), &dnsRefresher{resolver: resolver})

	// The runner outlives the HTTP server so the usage recorder drains
	// records written by in-flight requests.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(workerCtx) })
	g.Go(func() error {
		defer stopWorkers()
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		slog.Info("capgate ready", "addr", cfg.Server.Addr, "providers", adapters.List())

		select {
		case <-gctx.Done():
			slog.Info("shutting down")
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("capgate stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// registerAdapters builds one adapter per enabled provider. Remote vendors
// get HTTP/2 transports; ollama talks HTTP/1.1 to a local server.
func registerAdapters(ctx context.Context, providers []config.ProviderEntry, resolver *dnscache.Resolver) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, p := range providers {
		if !p.IsEnabled() {
			continue
		}
		typ := p.ResolvedType()
		client := provider.NewHTTPClient(resolver, typ != "ollama")

		if p.ResolvedAuthType() == "gcp_oauth" {
			t, err := cloudauth.NewGCPOAuthTransport(ctx, client.Transport, cloudauth.GCPScope)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			client = &http.Client{Transport: t}
		}

		switch typ {
		case "openai":
			reg.Register(openai.New(p.Name, p.BaseURL, client))
		case "deepseek":
			reg.Register(deepseek.New(p.Name, p.BaseURL, client))
		case "anthropic":
			reg.Register(anthropic.New(p.Name, p.BaseURL, client))
		case "gemini":
			reg.Register(gemini.New(p.Name, p.BaseURL, client))
		case "ollama":
			reg.Register(ollama.New(p.Name, p.BaseURL, client))
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", typ)
		}
	}
	return reg, nil
}

// readyCheck pings the database and, when configured, Redis.
func readyCheck(ping server.ReadyChecker, rdb *redis.Client) server.ReadyChecker {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// dnsRefresher re-resolves cached upstream hosts and drops unused ones.
type dnsRefresher struct {
	resolver *dnscache.Resolver
}

func (d *dnsRefresher) Name() string { return "dns_refresher" }

func (d *dnsRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.resolver.Refresh(true)
		}
	}
}
