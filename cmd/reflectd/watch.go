package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/config"
	"github.com/fyrsmithlabs/reflectd/internal/governor"
	"github.com/fyrsmithlabs/reflectd/internal/health"
	"github.com/fyrsmithlabs/reflectd/internal/ingest"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/telemetry"
	"github.com/fyrsmithlabs/reflectd/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the logs directory and ingest conversations continuously",
	Long: `Watch runs the ingestion daemon: it scans the logs directory for JSONL
conversation files, prioritizes recently modified ones, and streams new
messages through chunking and embedding into the vector store.

The daemon drains in-flight files on SIGINT/SIGTERM before exiting.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       true,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		// Export is optional; a broken collector must not stop ingestion.
		logger.Warn("telemetry init failed", zap.Error(err))
	}
	if tel != nil {
		defer tel.Shutdown(context.Background()) //nolint:errcheck
	}

	provider, err := selectProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close() //nolint:errcheck

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	states, err := openState(cfg, provider)
	if err != nil {
		return err
	}

	memCfg := governor.MemoryConfig{
		WarningMB: uint64(cfg.Governor.MemoryWarningMB),
		LimitMB:   uint64(cfg.Governor.MemoryLimitMB),
	}
	mem, err := governor.NewMemoryMonitor(memCfg, logger)
	if err != nil {
		logger.Warn("memory monitor unavailable", zap.Error(err))
		mem = nil
	}
	cpu := governor.NewCPUMonitor(cfg.Governor.MaxCPUPercentPerCore, logger)

	ingester := ingest.New(store, provider, states, ingest.Config{}, mem, cpu, logger)

	w := watcher.New(watcher.Config{
		LogsDir:          cfg.LogsDir,
		ImportFrequency:  cfg.Ingest.ImportFrequency.Duration(),
		HotCheckInterval: cfg.Ingest.HotCheckInterval.Duration(),
		BatchSize:        cfg.Ingest.BatchSize,
		Parallelism:      parallelismFor(cfg, provider.Suffix()),
		MaxQueueSize:     cfg.Ingest.MaxQueueSize,
		MaxColdFiles:     cfg.Ingest.MaxColdFiles,
		HotWindow:        cfg.Ingest.HotWindow.Duration(),
		WarmWindow:       cfg.Ingest.WarmWindow.Duration(),
		MaxWarmWait:      cfg.Ingest.MaxWarmWait.Duration(),
		ShutdownGrace:    cfg.Ingest.ShutdownGrace.Duration(),
	}, ingester, states, mem, logger)

	if cfg.Server.Enabled {
		srv, err := health.NewServer(&liveStatus{
			provider: provider,
			store:    store,
			states:   states,
			watcher:  w,
			mem:      mem,
		}, logger, health.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
		if err != nil {
			return exitErr(exitConfig, err)
		}
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx) //nolint:errcheck
		}()
	}

	logger.Info("starting watcher",
		zap.String("logs_dir", cfg.LogsDir),
		zap.String("provider", provider.Suffix()),
		zap.String("state_file", states.Path()))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("watcher stopped")
	return nil
}

// parallelismFor resolves the unset parallelism default: local embedding is
// CPU-bound so one pipeline, the cloud provider overlaps network waits.
func parallelismFor(cfg *config.Config, suffix string) int {
	if cfg.Ingest.Parallelism > 0 {
		return cfg.Ingest.Parallelism
	}
	if suffix == "voyage" {
		return 4
	}
	return 1
}

// liveStatus feeds the /status endpoint from the running daemon's handles.
type liveStatus struct {
	provider providerInfo
	store    statusStore
	states   statusStates
	watcher  *watcher.Watcher
	mem      *governor.MemoryMonitor
}

func (l *liveStatus) Status(ctx context.Context) (*health.Status, error) {
	queue := l.watcher.QueueMetrics()
	return collectStatus(ctx, l.provider, l.store, l.states, queue, l.mem)
}
