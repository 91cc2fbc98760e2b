package ingest

// Package ingest analyzes the captures waiting in the store one at a time
// through a pipeline session and records how each one ended.

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/pipeline"
	"microscopy-analyzer/internal/store"
)

// BatchSize is how many pending captures are fetched per round.
const BatchSize = 10

// Runner is the part of pipeline.Machine the ingester drives.
type Runner interface {
	Run(ctx context.Context, asset media.Asset) (pipeline.Snapshot, error)
	Wait(ctx context.Context) (pipeline.Snapshot, error)
	Cancel() error
	Reset() error
}

// Captures is the part of the store holding the capture queue.
type Captures interface {
	GetPendingCaptures(limit int) ([]store.CaptureRecord, error)
	MarkCaptureAnalyzed(path, analysisID string) error
	MarkCaptureFailed(path, analysisID string) error
	RemoveCapture(path string) error
}

type Ingester struct {
	captures Captures
	runner   Runner
	root     string
	interval time.Duration
	logger   *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngester creates an Ingester. root is the drop folder; source names sent
// with submissions are relative to it.
func NewIngester(captures Captures, runner Runner, root string, interval time.Duration, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingester{
		captures: captures,
		runner:   runner,
		root:     root,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (i *Ingester) Start() {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()
		for {
			i.ProcessPending()
			select {
			case <-ticker.C:
			case <-i.wake:
			case <-i.ctx.Done():
				return
			}
		}
	}()
}

// Notify asks for a round without waiting for the next tick.
func (i *Ingester) Notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the capture in flight, which stays pending, and waits for the
// loop to exit.
func (i *Ingester) Stop() {
	i.cancel()
	i.wg.Wait()
}

// ProcessPending analyzes pending captures until none are left or the
// ingester is stopped. It returns how many captures reached an outcome.
func (i *Ingester) ProcessPending() int {
	processed := 0
	for i.ctx.Err() == nil {
		batch, err := i.captures.GetPendingCaptures(BatchSize)
		if err != nil {
			i.logger.Error("Failed to fetch pending captures", "error", err)
			return processed
		}
		if len(batch) == 0 {
			return processed
		}
		for _, c := range batch {
			if i.ctx.Err() != nil {
				return processed
			}
			ok, retryLater := i.process(c)
			if retryLater {
				return processed
			}
			if ok {
				processed++
			}
		}
	}
	return processed
}

// process runs one capture. retryLater stops the round, leaving the capture
// pending.
func (i *Ingester) process(c store.CaptureRecord) (ok, retryLater bool) {
	asset, err := media.LoadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		i.logger.Info("Capture vanished before analysis", "path", c.Path)
		if err := i.captures.RemoveCapture(c.Path); err != nil {
			i.logger.Error("Failed to remove capture", "path", c.Path, "error", err)
		}
		return false, false
	}
	if err != nil {
		i.logger.Warn("Capture is not a valid sample", "path", c.Path, "error", err)
		i.mark(c.Path, "", false)
		return true, false
	}
	asset.SourceName = sourceName(i.root, c.Path)

	i.logger.Info("Analyzing capture", "path", c.Path, "kind", asset.Kind, "size", asset.ByteSize)
	snap, err := i.runner.Run(i.ctx, asset)

	switch {
	case snap.SessionID == "":
		// Start was rejected and nothing ran.
		switch failure.KindOf(err) {
		case failure.KindNotAuthenticated:
			i.logger.Warn("Not paired, captures stay queued", "path", c.Path)
			return false, true
		case failure.KindConcurrentOperation:
			i.logger.Warn("Session busy, capture stays queued", "path", c.Path)
			return false, true
		}
		i.logger.Error("Capture rejected", "path", c.Path, "error", err)
		i.mark(c.Path, "", false)
		return true, false

	case i.ctx.Err() != nil:
		i.runner.Cancel()
		i.runner.Wait(context.Background())
		i.reset()
		return false, true
	}

	i.mark(c.Path, snap.SessionID, snap.Phase == pipeline.PhaseCompleted)
	if snap.Phase == pipeline.PhaseCompleted {
		i.logger.Info("Capture analyzed", "path", c.Path, "session_id", snap.SessionID)
	} else {
		i.logger.Error("Capture analysis failed", "path", c.Path, "session_id", snap.SessionID,
			"kind", snap.ErrorKind, "error", snap.LastError)
	}
	i.reset()
	return true, false
}

func (i *Ingester) mark(path, analysisID string, analyzed bool) {
	var err error
	if analyzed {
		err = i.captures.MarkCaptureAnalyzed(path, analysisID)
	} else {
		err = i.captures.MarkCaptureFailed(path, analysisID)
	}
	if err != nil {
		i.logger.Error("Failed to update capture", "path", path, "error", err)
	}
}

func (i *Ingester) reset() {
	if err := i.runner.Reset(); err != nil {
		i.logger.Error("Failed to reset session", "error", err)
	}
}

// sourceName is path relative to root with forward slashes, so subfolders
// of the drop folder (one per patient or day) travel with the sample name.
func sourceName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
