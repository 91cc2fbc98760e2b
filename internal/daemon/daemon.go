package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"

	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/ingest"
	"microscopy-analyzer/internal/pruner"
	"microscopy-analyzer/internal/storage"
	"microscopy-analyzer/internal/watcher"
)

// Daemon implements the service.Interface required by kardianos/service.
// Samples dropped into the watch folder are queued in the store and analyzed
// one at a time.
type Daemon struct {
	Logger  *slog.Logger
	Cfg     *config.Config
	CfgPath string

	// Objects replaces the configured storage backend when set.
	Objects storage.Backend

	Components  *Components
	PrunerSvc   *pruner.Pruner
	IngesterSvc *ingest.Ingester
	WatcherSvc  *watcher.Watcher

	metricsSrv *http.Server
	scanWG     sync.WaitGroup
	running    bool
}

// ConfigPath returns config.json next to the executable.
func ConfigPath() (string, error) {
	ex, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(ex), "config.json"), nil
}

// Start is called when the service is started.
// It initializes the configuration, the pipeline and the background workers (Pruner, Ingester, Watcher).
func (d *Daemon) Start(s service.Service) error {
	if d.running {
		return errors.New("already running")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.WatcherSvc, d.metricsSrv = nil, nil

	var err error
	if d.CfgPath == "" {
		if d.CfgPath, err = ConfigPath(); err != nil {
			return err
		}
	}
	if d.Cfg == nil {
		d.Cfg, err = config.Load(d.CfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// Ensure config file exists for user convenience if it didn't
		if _, err := os.Stat(d.CfgPath); os.IsNotExist(err) {
			config.Save(d.CfgPath, d.Cfg)
		}
	}

	for _, dir := range []string{d.Cfg.WatchPath, d.Cfg.Capture.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var reg *prometheus.Registry
	if d.Cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
	}
	d.Components, err = Build(context.Background(), d.Cfg, d.Objects, registerer(reg), d.Logger)
	if err != nil {
		return err
	}
	d.running = true

	d.PrunerSvc = pruner.NewPruner(d.Cfg, d.Components.Store, d.Logger)
	d.PrunerSvc.Start()

	d.IngesterSvc = ingest.NewIngester(d.Components.Store, d.Components.Machine, d.Cfg.WatchPath,
		config.Duration(d.Cfg.Job.PollInterval, 2*time.Second), d.Logger)
	d.IngesterSvc.Start()

	debounce := config.Duration(d.Cfg.DebounceDuration, 500*time.Millisecond)
	d.WatcherSvc, err = watcher.NewWatcher(d.Cfg.WatchPath, debounce, d.processFile, d.Logger)
	if err != nil {
		d.Stop(s)
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if reg != nil {
		d.startMetrics()
	}

	// Catch files dropped while the service was offline.
	d.scanWG.Add(1)
	go func() {
		defer d.scanWG.Done()
		d.scanExistingFiles()
	}()

	if _, ok := d.Components.Auth.CurrentUser(); !ok {
		d.Logger.Warn("Client is not paired; samples stay queued until it is paired and the service restarted")
	}
	d.Logger.Info("Microscopy analyzer started",
		"watch_path", d.Cfg.WatchPath, "endpoint", d.Cfg.Endpoint, "storage", d.Cfg.Storage.Backend)
	return nil
}

func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func (d *Daemon) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.Components.MetricsHandler())
	d.metricsSrv = &http.Server{
		Addr:              d.Cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.Logger.Error("Metrics server failed", "addr", d.Cfg.MetricsAddr, "error", err)
		}
	}()
	d.Logger.Info("Serving metrics", "addr", d.Cfg.MetricsAddr)
}

// processFile queues a settled file for analysis.
func (d *Daemon) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		d.Logger.Error("stat error", "path", path, "error", err)
		return
	}
	if info.IsDir() {
		return
	}

	if err := d.Components.Store.RegisterCapture(path, info.Size(), info.ModTime()); err != nil {
		d.Logger.Error("db error", "path", path, "error", err)
		return
	}
	d.Logger.Info("Detected", "path", path)
	d.IngesterSvc.Notify()
}

// scanExistingFiles queues files that are not tracked yet.
func (d *Daemon) scanExistingFiles() {
	d.Logger.Info("Performing initial scan", "path", d.Cfg.WatchPath)
	err := filepath.WalkDir(d.Cfg.WatchPath, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || watcher.Ignored(path) {
			return nil
		}
		if _, err := d.Components.Store.GetCapture(path); err == nil {
			return nil
		}
		d.processFile(path)
		return nil
	})
	if err != nil {
		d.Logger.Error("Initial scan failed", "error", err)
	}
}

// Stop is called when the service is being stopped. The sample in flight is
// canceled and stays queued.
func (d *Daemon) Stop(s service.Service) error {
	if !d.running {
		return nil
	}
	d.running = false
	d.Logger.Info("Stopping microscopy analyzer...")

	if d.WatcherSvc != nil {
		d.WatcherSvc.Close()
	}
	d.scanWG.Wait()
	d.IngesterSvc.Stop()
	d.PrunerSvc.Stop()
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.metricsSrv.Shutdown(ctx)
		cancel()
	}
	return d.Components.Close()
}
