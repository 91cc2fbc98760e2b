package upload

// Package upload transfers validated media assets to object storage and
// reports monotonic progress through upload tickets.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/storage"

	"github.com/google/uuid"
)

// Coordinator starts uploads against a storage backend.
type Coordinator struct {
	backend      storage.Backend
	cacheControl string
	logger       *slog.Logger
	now          func() time.Time
}

// NewCoordinator creates a Coordinator. An empty cacheControl uses the
// storage default.
func NewCoordinator(backend storage.Backend, cacheControl string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheControl == "" {
		cacheControl = storage.DefaultCacheControl
	}
	return &Coordinator{
		backend:      backend,
		cacheControl: cacheControl,
		logger:       logger,
		now:          time.Now,
	}
}

// Upload starts transferring asset under a fresh object key owned by ownerID
// and returns immediately with a ticket. Cancelling ctx aborts the transfer.
// The asset content is only referenced until the ticket resolves.
func (c *Coordinator) Upload(ctx context.Context, asset media.Asset, ownerID string) *Ticket {
	t := newTicket(uuid.NewString(), asset.ID, c.now())
	key := storage.ObjectKey(ownerID, c.now(), asset.SourceName)

	go c.run(ctx, t, key, asset)
	return t
}

func (c *Coordinator) run(ctx context.Context, t *Ticket, key string, asset media.Asset) {
	size := asset.ByteSize
	log := c.logger.With("ticket", t.ID(), "key", key)
	log.Info("Starting upload", "size", size, "mime", asset.MimeType)

	started := time.Now()
	locator, err := c.backend.Put(ctx, key, asset.Reader(), size, storage.PutOptions{
		ContentType:  asset.MimeType,
		CacheControl: c.cacheControl,
		Progress: func(sent int64) {
			if size <= 0 {
				return
			}
			t.advance(int(sent * 100 / size))
		},
	})

	if err == nil && locator == "" {
		err = errors.New("storage returned no locator")
	}
	if err != nil {
		if ctx.Err() != nil {
			err = failure.Wrap(failure.KindCanceled, err, "upload canceled")
		} else {
			err = failure.Wrap(failure.KindUploadFailure, err, "upload failed: "+err.Error())
		}
		log.Error("Upload failed", "error", err)
		t.fail(key, err, c.now())
		return
	}

	t.succeed(key, locator, c.now())
	log.Info("Upload success", "duration", time.Since(started))
}
