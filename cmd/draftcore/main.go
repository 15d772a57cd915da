// Package main implements the editor-core process: per-scene save
// coordination, emergency backups, and cross-window leader election and
// presence tracking.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	apppkg "github.com/a-velichko/draftcore/internal/app"
	"github.com/a-velichko/draftcore/internal/backup"
	"github.com/a-velichko/draftcore/internal/bus"
	"github.com/a-velichko/draftcore/internal/doc"
	"github.com/a-velichko/draftcore/internal/election"
	"github.com/a-velichko/draftcore/internal/observability/metrics"
	"github.com/a-velichko/draftcore/internal/presence"
	"github.com/a-velichko/draftcore/internal/saver"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "draftcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	b, err := openBus(cfg, logger)
	if err != nil {
		return err
	}

	docs, err := doc.OpenLevelStore(filepath.Join(cfg.DataDir, "docs"))
	if err != nil {
		_ = b.Close()
		return err
	}
	defer func() { _ = docs.Close() }()

	backups, err := backup.Open(filepath.Join(cfg.DataDir, "backups"), logger,
		backup.WithTTL(cfg.BackupTTL),
	)
	if err != nil {
		_ = b.Close()
		return err
	}
	defer func() { _ = backups.Close() }()

	registry := prometheus.NewRegistry()
	promMetrics, err := metrics.NewPrometheus(cfg.InstanceID, registry)
	if err != nil {
		_ = b.Close()
		return err
	}

	saves, err := saver.New(docs, backups, saveAlertLogger{logger}, logger,
		saver.WithMetrics(promMetrics),
	)
	if err != nil {
		_ = b.Close()
		return err
	}

	elector, err := election.New(cfg.InstanceID, b, logger,
		election.WithHeartbeatInterval(cfg.HeartbeatInterval),
		election.WithElectionTimeout(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax),
		election.WithMetrics(promMetrics),
	)
	if err != nil {
		_ = b.Close()
		return err
	}

	tracker, err := presence.New(cfg.InstanceID, b, logger,
		presence.WithAnnounceInterval(cfg.PresenceAnnounceInterval),
	)
	if err != nil {
		_ = b.Close()
		return err
	}

	elector.OnLeadershipChange(func(isLeader bool) {
		logger.Info("editing surface gate changed",
			"instance_id", cfg.InstanceID,
			"is_leader", isLeader,
		)
	})
	tracker.OnMultiTab(func(projectID string, instances int) {
		logger.Warn("project open in multiple windows",
			"project_id", projectID,
			"instances", instances,
		)
	})

	app, err := apppkg.New(cfg, logger, b, saves, backups, elector, tracker)
	if err != nil {
		_ = b.Close()
		return err
	}
	app.SetCleanupMetrics(promMetrics)
	app.SetMetricsRegistry(registry)
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

// saveAlertLogger is the save-failure notification surface: the frontend
// shows a toast here; this shell logs at error level instead.
type saveAlertLogger struct {
	logger *slog.Logger
}

var _ saver.AlertSink = saveAlertLogger{}

func (a saveAlertLogger) SaveFailed(sceneID string, err error) {
	a.logger.Error("scene save failed, emergency backup attempted",
		"scene_id", sceneID,
		"error", err,
	)
}

func openBus(cfg apppkg.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.BusMode {
	case apppkg.BusModeMemory:
		return bus.NewMemory(), nil
	case apppkg.BusModeSpool:
		return bus.NewSpool(cfg.SpoolDir, cfg.InstanceID, logger)
	case apppkg.BusModeRelay:
		return bus.NewRelay(cfg.RelayAddr, logger)
	default:
		return nil, fmt.Errorf("unsupported bus mode %q", cfg.BusMode)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
