package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/job"
	"microscopy-analyzer/internal/metrics"
	"microscopy-analyzer/internal/pipeline"
	"microscopy-analyzer/internal/storage"
	"microscopy-analyzer/internal/store"
	"microscopy-analyzer/internal/sysinfo"
	"microscopy-analyzer/internal/upload"
)

// Components is the analysis pipeline wired from a config. The service and
// the one-shot CLI commands share it.
type Components struct {
	Store   *store.Store
	Auth    *auth.ConfigProvider
	API     *api.Client
	Jobs    *job.Client
	Uploads *upload.Coordinator
	Machine *pipeline.Machine
	Metrics *metrics.Observer
}

// NewObjectStore builds the storage backend selected by cfg.Storage.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	if cfg.UsesS3() {
		return storage.NewS3Backend(ctx, cfg, logger)
	}
	return storage.NewMinioBackend(ctx, cfg, logger)
}

// Build opens the store and wires the pipeline. A nil objects builds the
// backend from cfg. Every finished session is saved to the history and
// counted in the metrics registered with reg.
func Build(ctx context.Context, cfg *config.Config, objects storage.Backend, reg prometheus.Registerer, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init store at %s: %w", cfg.DBPath, err)
	}

	if objects == nil {
		objects, err = NewObjectStore(ctx, cfg.Storage, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to init object storage: %w", err)
		}
	}

	info, _ := sysinfo.Collect(cfg.Capture.Dir)
	if cfg.DeviceID != "" {
		info["device_id"] = cfg.DeviceID
	}

	provider := auth.NewConfigProvider(cfg)
	apiClient := api.NewClient(cfg.Endpoint, cfg.APITimeout, cfg.AuthToken)
	jobs := job.NewClient(apiClient, provider, job.Options{
		PollInterval: config.Duration(cfg.Job.PollInterval, job.DefaultPollInterval),
		Timeout:      config.Duration(cfg.Job.Timeout, job.DefaultTimeout),
		ClientInfo:   info,
	}, logger)
	uploads := upload.NewCoordinator(objects, cfg.Storage.CacheControl, logger)

	machine := pipeline.New(uploads, jobs, provider, logger)
	machine.Subscribe(store.NewRecorder(st, logger))

	c := &Components{
		Store:   st,
		Auth:    provider,
		API:     apiClient,
		Jobs:    jobs,
		Uploads: uploads,
		Machine: machine,
	}
	if reg != nil {
		c.Metrics = metrics.NewObserver(reg)
		machine.Subscribe(c.Metrics)
	}
	return c, nil
}

// MetricsHandler serves the metrics, or 404 when none are collected.
func (c *Components) MetricsHandler() http.Handler {
	if c.Metrics == nil {
		return http.NotFoundHandler()
	}
	return c.Metrics.Handler()
}

// Close releases the store.
func (c *Components) Close() error {
	return c.Store.Close()
}
