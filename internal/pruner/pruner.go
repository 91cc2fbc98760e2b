package pruner

// Package pruner keeps the capture directory within its size budget by
// deleting captures whose analysis already completed, oldest first. Pending
// and failed captures are never deleted.

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/store"
)

// Pruner evicts analyzed captures between a high and a low watermark.
type Pruner struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
	stop   chan struct{}
}

func NewPruner(cfg *config.Config, s *store.Store, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		cfg:    cfg,
		store:  s,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	interval := config.Duration(p.cfg.PruneCheckInterval, time.Minute)
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				p.Prune()
			case <-p.stop:
				ticker.Stop()
				return
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.stop)
}

// limits returns the sizes that trigger and end an eviction run.
func (p *Pruner) limits() (high, low int64) {
	maxBytes := int64(p.cfg.MaxCaptureSizeGB * 1024 * 1024 * 1024)
	highPct, lowPct := p.cfg.PruneHighWatermarkPercent, p.cfg.PruneLowWatermarkPercent
	if highPct <= 0 || highPct > 100 {
		highPct = 100
	}
	if lowPct <= 0 || lowPct > highPct {
		lowPct = highPct
	}
	return maxBytes * int64(highPct) / 100, maxBytes * int64(lowPct) / 100
}

// Prune deletes analyzed captures once the tracked size exceeds the high
// watermark, until it is at or below the low watermark.
func (p *Pruner) Prune() {
	high, low := p.limits()

	currentSize, err := p.store.GetTotalCaptureSize()
	if err != nil {
		p.logger.Error("Pruner: failed to get total size", "error", err)
		return
	}
	if currentSize <= high {
		return
	}

	p.logger.Info("Pruner: capture size above high watermark, starting eviction",
		"size", currentSize, "high", high, "low", low)

	batch := p.cfg.PruneBatchSize
	if batch <= 0 {
		batch = config.DefaultPruneBatchSize
	}

	for currentSize > low {
		candidates, err := p.store.GetPruneCandidates(batch)
		if err != nil {
			p.logger.Error("Pruner: failed to fetch candidates", "error", err)
			return
		}
		if len(candidates) == 0 {
			p.logger.Warn("Pruner: over budget but no analyzed captures left to delete", "size", currentSize)
			return
		}

		removed := 0
		for _, c := range candidates {
			if currentSize <= low {
				break
			}
			if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Error("Pruner: failed to remove capture", "path", c.Path, "error", err)
				continue
			}
			if err := p.store.RemoveCapture(c.Path); err != nil {
				p.logger.Error("Pruner: failed to remove capture record", "path", c.Path, "error", err)
				continue
			}
			currentSize -= c.Size
			removed++
			p.logger.Info("Pruned capture", "path", c.Path, "analysis", c.AnalysisID.String)
		}
		if removed == 0 {
			// Every candidate in the batch failed; try again next tick.
			return
		}
	}
}
