// Command billing-run bills every subject for one period and prints the run
// summary as JSON. Without -period it bills the month before now.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/config"
	"github.com/vnmchuo/usage-gateway/internal/app"
	"github.com/vnmchuo/usage-gateway/internal/logging"
	"github.com/vnmchuo/usage-gateway/internal/scheduler"
)

func main() {
	period := flag.String("period", "", "billing period as YYYY-MM (default: previous month)")
	reconcile := flag.Bool("reconcile", false, "poll the processor for open invoices after the run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	var summary *scheduler.RunSummary
	if *period == "" {
		summary, err = a.Scheduler.RunMonthly(ctx, a.Clock.Now())
	} else {
		start, perr := time.Parse("2006-01", *period)
		if perr != nil {
			logger.Fatal("invalid -period", zap.String("period", *period), zap.Error(perr))
		}
		summary, err = a.Scheduler.RunPeriod(ctx, start)
	}
	if err != nil {
		logger.Fatal("billing run failed", zap.Error(err))
	}

	if *reconcile {
		checked, err := a.Billing.ReconcileOpen(ctx, cfg.BillingBatchSize)
		if err != nil {
			logger.Error("reconcile failed", zap.Error(err))
		}
		logger.Info("reconciled open invoices", zap.Int("checked", checked))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logger.Fatal("failed to write summary", zap.Error(err))
	}
}
