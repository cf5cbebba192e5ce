// Command worker is the process entrypoint: it loads configuration, wires
// logging/telemetry, and runs one Worker per configured trading pair in its
// own goroutine. The concrete chain RPC adapter and credential-daemon
// client are external collaborators the core only consumes through the
// chainadapter interfaces; this binary falls back to the in-memory fake
// adapter so it runs standalone, and a real deployment links in its own
// adapter construction ahead of runWorkers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"dexmm/internal/chainadapter"
	"dexmm/internal/config"
	"dexmm/internal/core"
	"dexmm/internal/worker"
	"dexmm/pkg/logging"
	"dexmm/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "path to configuration file")

const (
	telemetryShutdownTimeout = 10 * time.Second
	workerShutdownTimeout    = 30 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("dexmm-worker")
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err.Error())
		}
	}()

	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			_ = metricsSrv.Stop(shutdownCtx)
		}()
	}

	if err := os.MkdirAll(cfg.System.StateDir, 0o755); err != nil {
		logger.Fatal("failed to create state directory", "path", cfg.System.StateDir, "error", err.Error())
	}

	worker.LockTimeout = time.Duration(cfg.System.LockTimeoutMs) * time.Millisecond
	worker.PipelineTimeout = time.Duration(cfg.System.PipelineTimeoutMs) * time.Millisecond

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	adapter, creds := demoAdapter()
	workers := bootstrapWorkers(ctx, cfg, adapter, creds, logger)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	for _, w := range workers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
		w.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	logger.Info("all workers drained, exiting")
}

// bootstrapWorkers constructs and bootstraps one Worker per non-disabled
// bot. A bot whose Bootstrap fails is logged and skipped rather than
// aborting the whole process, so one pair's chain trouble doesn't block the
// others from starting.
func bootstrapWorkers(ctx context.Context, cfg *config.Config, adapter chainadapter.Adapter, creds chainadapter.CredentialClient, logger core.ILogger) []*worker.Worker {
	workers := make([]*worker.Worker, 0, len(cfg.Bots))
	for botKey, bot := range cfg.Bots {
		if bot.Disabled {
			logger.Info("bot disabled, skipping", "bot", botKey)
			continue
		}

		w := worker.New(worker.Deps{
			BotKey:      botKey,
			Account:     botKey,
			Adapter:     adapter,
			Credentials: creds,
			Logger:      logger,
			StateDir:    cfg.System.StateDir,
			Concurrency: cfg.Concurrency,
		}, bot)

		if err := w.Bootstrap(ctx); err != nil {
			logger.Error("bot bootstrap failed, skipping", "bot", botKey, "error", err.Error())
			continue
		}
		workers = append(workers, w)
	}
	return workers
}

// demoAdapter constructs the in-memory fake adapter/credential client this
// standalone binary runs against; a production deployment replaces this
// with its own chain RPC client and credential-daemon socket dialer, both
// external collaborators outside this module's scope.
func demoAdapter() (chainadapter.Adapter, chainadapter.CredentialClient) {
	fake := chainadapter.NewFake(chainadapter.AccountTotals{
		BuyTotal: decimal.Zero, BuyFree: decimal.Zero,
		SellTotal: decimal.Zero, SellFree: decimal.Zero,
	}, map[string]int{})
	creds := &chainadapter.FakeCredentialClient{Keys: map[string]chainadapter.Secret{}}
	return fake, creds
}
