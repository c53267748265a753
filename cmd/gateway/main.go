package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/config"
	"github.com/vnmchuo/usage-gateway/internal/api"
	"github.com/vnmchuo/usage-gateway/internal/app"
	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/guard"
	"github.com/vnmchuo/usage-gateway/internal/logging"
	"github.com/vnmchuo/usage-gateway/internal/seeder"
	"github.com/vnmchuo/usage-gateway/internal/telemetry"
	"github.com/vnmchuo/usage-gateway/internal/usage"
	"github.com/vnmchuo/usage-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName:  "usage-gateway",
		ExporterType: cfg.OTELExporterType,
		Endpoint:     cfg.OTELExporterEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect stores and build services
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	// 4. Seed test data if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.Seed(ctx, a.Directory, a.Catalog, a.Keys, logger.Named("seeder")); err != nil {
			logger.Warn("seeding failed", zap.Error(err))
		}
	}

	// 5. Rate limiting
	policy := ratelimit.Policy{
		Capacity: cfg.RateLimitCapacity,
		Window:   cfg.RateLimitWindow,
		Block:    cfg.RateLimitBlock,
	}
	var store ratelimit.Store
	if cfg.RateLimitBackend == "redis" {
		store = ratelimit.NewRedisStore(a.Redis)
	} else {
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(ctx, a.Clock, time.Minute, policy)
		store = mem
	}
	limiter, err := ratelimit.New(store, policy, a.Clock)
	if err != nil {
		logger.Fatal("invalid rate limit policy", zap.Error(err))
	}

	// 6. Guard
	opts := guard.Options{
		Secret:    cfg.GuardSecretKey,
		Resolver:  a.Keys,
		Directory: a.Directory,
		Catalog:   a.Catalog,
		Recorder:  usage.NewRecorder(a.Usage, a.Clock, otel.GetTracerProvider().Tracer("usage-gateway"), logger.Named("usage")),
		Clock:     a.Clock,
		Logger:    logger.Named("guard"),
	}
	if cfg.EnforceInvoicePayment {
		opts.Standing = a.Billing
	}
	g := guard.New(opts)

	var session *auth.SessionAuthenticator
	if cfg.AuthMode != "api_key" {
		session = auth.NewSessionAuthenticator(cfg.SessionJWTSecret, cfg.SessionCookieName, cfg.SessionIssuer, a.Clock)
	}
	authenticator, err := auth.NewAuthenticator(cfg.AuthMode, a.Keys, session)
	if err != nil {
		logger.Fatal("failed to build authenticator", zap.Error(err))
	}

	// 7. HTTP
	handler := api.NewHandler(api.Options{
		Guard:         g,
		Keys:          a.Keys,
		Limiter:       limiter,
		Budget:        ratelimit.NewTokenBudget(a.Redis, cfg.DefaultRateLimitTPM),
		Billing:       a.Billing,
		Runner:        a.Scheduler,
		WebhookSecret: cfg.StripeWebhookSecret,
		Tracer:        otel.GetTracerProvider().Tracer("usage-gateway"),
		Metrics:       a.Metrics,
		Clock:         a.Clock,
		Logger:        logger.Named("api"),
	})
	router := api.NewRouter(api.RouterOptions{
		Handler:       handler,
		Authenticator: authenticator,
		Limiter:       limiter,
		Logger:        logger.Named("http"),
		Metrics:       a.Metrics.Handler(),
	})

	// 8. Billing scheduler
	if cfg.SchedulerEnabled {
		a.Scheduler.Start(ctx, a.Billing, cfg.BillingCheckInterval)
		logger.Info("billing scheduler started", zap.Duration("interval", cfg.BillingCheckInterval))
	}

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("usage gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
