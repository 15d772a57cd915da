// Package app wires the save coordinator, backup store, election, and
// presence tracking into a runnable editor-core process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/a-velichko/draftcore/internal/backup"
	"github.com/a-velichko/draftcore/internal/bus"
	"github.com/a-velichko/draftcore/internal/election"
	"github.com/a-velichko/draftcore/internal/presence"
	"github.com/a-velichko/draftcore/internal/saver"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// CleanupMetrics records reclaimed backups. Optional.
type CleanupMetrics interface {
	AddBackupCleanupReclaimed(n int)
}

// App wires the coordination components into a runnable process. All
// dependencies are injected; App does not open stores or transports itself.
type App struct {
	config   Config
	logger   Logger
	bus      bus.Bus
	saves    *saver.Coordinator
	backups  *backup.Store
	elector  *election.Elector
	tracker  *presence.Tracker
	cleanupM CleanupMetrics
	registry *prometheus.Registry
}

// New validates dependencies and constructs a runnable application.
func New(
	cfg Config,
	logger Logger,
	b bus.Bus,
	saves *saver.Coordinator,
	backups *backup.Store,
	elector *election.Elector,
	tracker *presence.Tracker,
) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if b == nil {
		return nil, fmt.Errorf("app: nil bus")
	}
	if saves == nil {
		return nil, fmt.Errorf("app: nil save coordinator")
	}
	if backups == nil {
		return nil, fmt.Errorf("app: nil backup store")
	}
	if elector == nil {
		return nil, fmt.Errorf("app: nil elector")
	}
	if tracker == nil {
		return nil, fmt.Errorf("app: nil presence tracker")
	}
	return &App{
		config:  cfg,
		logger:  logger,
		bus:     b,
		saves:   saves,
		backups: backups,
		elector: elector,
		tracker: tracker,
	}, nil
}

// SetCleanupMetrics installs an optional sink for backup cleanup counts.
func (a *App) SetCleanupMetrics(m CleanupMetrics) {
	a.cleanupM = m
}

// SetMetricsRegistry installs the per-instance registry holding this
// process's collectors. The /metrics endpoint serves it; without one the
// endpoint falls back to the process-global default registry.
func (a *App) SetMetricsRegistry(reg *prometheus.Registry) {
	a.registry = reg
}

// Stop shuts the coordination components down. Presence goes first so peers
// see the close broadcasts, then the elector steps down, then pending saves
// drain, and finally the bus closes.
func (a *App) Stop() {
	a.tracker.Close()
	a.elector.Close()
	a.saves.Close()
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("bus close failed", "error", err)
	}
}

// Run starts the coordination loops and optional observability servers, then
// blocks until ctx is canceled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a.cleanupBackups()

	a.elector.Run(ctx)
	a.tracker.Run(ctx)

	a.logger.Info(
		"editor core started",
		"instance_id", a.elector.GetInstanceID(),
		"bus_mode", string(a.config.BusMode),
		"data_dir", a.config.DataDir,
	)

	return a.serve(ctx)
}

// serve runs the metrics/pprof servers and the periodic backup sweep until
// ctx is canceled.
func (a *App) serve(ctx context.Context) error {
	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	if metricsSrv != nil {
		a.logger.Info("metrics server listening", "addr", metricsLis.Addr().String())
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		a.logger.Info("pprof server listening", "addr", pprofLis.Addr().String())
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	sweepInterval := a.config.BackupTTL / 2
	if sweepInterval < time.Minute {
		sweepInterval = time.Minute
	}
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
			shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
			return nil
		case err := <-errCh:
			shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
			shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
			return err
		case <-sweep.C:
			a.cleanupBackups()
		}
	}
}

// cleanupBackups removes expired emergency backups. Called at startup and on
// the periodic sweep; idempotent.
func (a *App) cleanupBackups() {
	n := a.backups.CleanupExpired()
	if a.cleanupM != nil {
		a.cleanupM.AddBackupCleanupReclaimed(n)
	}
	if n > 0 {
		a.logger.Info("expired backups reclaimed", "count", n)
	}
}
