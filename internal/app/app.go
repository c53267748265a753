// Package app wires the gateway's stores and services from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/config"
	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/billing"
	"github.com/vnmchuo/usage-gateway/internal/catalog"
	"github.com/vnmchuo/usage-gateway/internal/database"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/notify"
	"github.com/vnmchuo/usage-gateway/internal/payment"
	"github.com/vnmchuo/usage-gateway/internal/payment/stripe"
	"github.com/vnmchuo/usage-gateway/internal/scheduler"
	"github.com/vnmchuo/usage-gateway/internal/telemetry"
	"github.com/vnmchuo/usage-gateway/internal/usage"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Clock   quartz.Clock
	Metrics *telemetry.Metrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Directory *directory.PostgresDirectory
	Catalog   catalog.Store
	Keys      *auth.KeyResolver
	Usage     usage.Store
	Billing   *billing.Service
	Scheduler *scheduler.Scheduler
}

// New connects Postgres and Redis, migrates the schema when configured and
// builds every service. Close releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := database.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("postgres connected")

	if cfg.MigrateOnStart {
		if err := database.Migrate(pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("redis connected")

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clock:   quartz.NewReal(),
		Metrics: telemetry.NewMetrics(),
		Pool:    pool,
		Redis:   rdb,
	}

	a.Directory = directory.NewPostgresDirectory(pool)
	a.Catalog = catalog.NewPostgresStore(pool)
	a.Keys = auth.NewKeyResolver(auth.NewPostgresStore(pool), rdb, cfg.AuthCacheTTL, a.Clock, logger.Named("auth"))
	a.Usage = usage.NewPostgresStore(pool)

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger.Named("notify"))
	if cfg.SMTPAddr != "" {
		smtpNotifier, err := notify.NewSMTPNotifier(notify.SMTPConfig{
			Addr:       cfg.SMTPAddr,
			From:       cfg.SMTPFrom,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			RequireTLS: cfg.SMTPRequireTLS,
		}, a.Clock)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifier = smtpNotifier
	}

	invoices := billing.NewPostgresStore(pool)
	tracer := otel.GetTracerProvider().Tracer("usage-gateway")
	aggregator := billing.NewAggregator(a.Usage, 1000, tracer)
	dispatcher := billing.NewDispatcher(invoices, processor, notifier, billing.DispatcherOptions{
		MinAmount:    cfg.BillingMinAmount,
		Currency:     cfg.BillingCurrency,
		DaysUntilDue: cfg.InvoiceDaysUntilDue,
		Retry: billing.RetryPolicy{
			MaxAttempts: cfg.BillingMaxAttempts,
			Initial:     cfg.BillingBackoffInitial,
			Max:         cfg.BillingBackoffMax,
		},
		Tracer: tracer,
	}, a.Clock, logger.Named("billing"), a.Metrics)
	a.Billing = billing.NewService(aggregator, dispatcher, invoices, a.Directory, processor, a.Clock, logger.Named("billing"))

	a.Scheduler = scheduler.New(
		a.Billing,
		a.Directory,
		scheduler.NewPostgresRunStore(pool),
		scheduler.NewRedisLocker(rdb),
		scheduler.Options{BatchSize: cfg.BillingBatchSize, Workers: cfg.BillingWorkers},
		a.Clock,
		logger.Named("scheduler"),
		a.Metrics,
	)
	return a, nil
}

func newProcessor(cfg *config.Config, logger *zap.Logger) (payment.Processor, error) {
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, invoices cannot be sent")
		return payment.Disabled{}, nil
	}
	sp, err := stripe.New(stripe.Config{SecretKey: cfg.StripeSecretKey}, logger.Named("stripe"))
	if err != nil {
		return nil, err
	}
	return payment.WithBreaker("stripe", sp), nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
