package app

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/a-velichko/draftcore/internal/backup"
	"github.com/a-velichko/draftcore/internal/bus"
	"github.com/a-velichko/draftcore/internal/doc"
	"github.com/a-velichko/draftcore/internal/election"
	"github.com/a-velichko/draftcore/internal/observability/metrics"
	"github.com/a-velichko/draftcore/internal/presence"
	"github.com/a-velichko/draftcore/internal/saver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	logger := testLogger()

	cfg := DefaultConfig()
	cfg.InstanceID = "app-test"
	cfg.BusMode = BusModeMemory
	cfg.DataDir = t.TempDir()
	cfg.MetricsAddr = "127.0.0.1:0"

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	backups, err := backup.New(db, logger)
	if err != nil {
		t.Fatalf("backup store: %v", err)
	}

	saves, err := saver.New(doc.NewMemStore(), backups, nil, logger)
	if err != nil {
		t.Fatalf("saver: %v", err)
	}
	t.Cleanup(saves.Close)

	elector, err := election.New(cfg.InstanceID, b, logger)
	if err != nil {
		t.Fatalf("elector: %v", err)
	}
	tracker, err := presence.New(cfg.InstanceID, b, logger)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	a, err := New(cfg, logger, b, saves, backups, elector, tracker)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return a
}

func TestMetricsServerServesInstanceRegistry(t *testing.T) {
	a := newTestApp(t)

	reg := prometheus.NewRegistry()
	pm, err := metrics.NewPrometheus("app-test", reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	pm.IncSaveScheduled()
	a.SetMetricsRegistry(reg)

	srv, lis, err := a.metricsServer()
	if err != nil {
		t.Fatalf("metrics server: %v", err)
	}
	if srv == nil || lis == nil {
		t.Fatal("expected a configured metrics server")
	}
	go func() { _ = srv.Serve(lis) }()
	defer shutdownHTTPServer(srv, testLogger(), "metrics server")

	resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	// The endpoint must expose this instance's own collectors plus the
	// runtime collectors, all from the injected registry.
	for _, want := range []string{
		"draftcore_saver_save_scheduled_total",
		"go_goroutines",
		"process_cpu_seconds_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestMetricsServerDisabledWithoutAddr(t *testing.T) {
	a := newTestApp(t)
	a.config.MetricsAddr = ""

	srv, lis, err := a.metricsServer()
	if err != nil {
		t.Fatalf("metrics server: %v", err)
	}
	if srv != nil || lis != nil {
		t.Fatal("expected no server when the metrics addr is empty")
	}
}
