package capture

// Package capture produces media assets from a live capture device (camera or
// microscope recorder). The device is an exclusively owned resource: one
// capture holds it at a time and it is released on every exit path.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
)

// Mode selects a still frame or a recording.
type Mode string

const (
	ModePhoto Mode = "photo"
	ModeVideo Mode = "video"
)

// ErrDeviceBusy is returned when another capture already holds the device.
var ErrDeviceBusy = failure.New(failure.KindDeviceAccessDenied, "capture device is busy")

// Device opens sessions on a physical capture device.
type Device interface {
	Name() string
	// Open acquires the device. Permission problems must be reported as
	// failure.KindDeviceAccessDenied.
	Open(ctx context.Context) (Session, error)
}

// Session is an acquired device. Close must be safe to call after any error.
type Session interface {
	// Still returns one encoded frame and its MIME type.
	Still(ctx context.Context) ([]byte, string, error)
	// Record streams encoded chunks to emit until stop is closed or ctx is
	// done, and returns the container MIME type.
	Record(ctx context.Context, stop <-chan struct{}, emit func([]byte)) (string, error)
	Close() error
}

// Capturer serializes access to a Device.
type Capturer struct {
	dev    Device
	held   chan struct{}
	logger *slog.Logger
}

// NewCapturer wraps dev.
func NewCapturer(dev Device, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		dev:    dev,
		held:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Held reports whether a capture currently owns the device.
func (c *Capturer) Held() bool {
	return len(c.held) == 1
}

// Capture acquires the device, takes a photo or records until stop is closed,
// and returns a validated asset. The device is released before Capture
// returns, whatever the outcome.
func (c *Capturer) Capture(ctx context.Context, mode Mode, stop <-chan struct{}) (asset media.Asset, err error) {
	select {
	case c.held <- struct{}{}:
	default:
		return media.Asset{}, ErrDeviceBusy
	}
	defer func() { <-c.held }()

	sess, err := c.dev.Open(ctx)
	if err != nil {
		if failure.KindOf(err) == failure.KindDeviceAccessDenied {
			return media.Asset{}, err
		}
		return media.Asset{}, failure.Wrap(failure.KindDeviceAccessDenied, err, "could not open "+c.dev.Name())
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn("Failed to release capture device", "device", c.dev.Name(), "error", cerr)
		}
	}()

	started := time.Now()
	var (
		content  []byte
		mimeType string
		ext      string
	)

	switch mode {
	case ModePhoto:
		content, mimeType, err = sess.Still(ctx)
		if err != nil {
			return media.Asset{}, fmt.Errorf("failed to capture still: %w", err)
		}
		ext = extensionFor(mimeType, "jpg")
	case ModeVideo:
		var buf bytes.Buffer
		mimeType, err = sess.Record(ctx, stop, func(chunk []byte) {
			buf.Write(chunk)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return media.Asset{}, fmt.Errorf("failed to record: %w", err)
		}
		if err != nil {
			return media.Asset{}, failure.Wrap(failure.KindCanceled, err, "recording canceled")
		}
		content = buf.Bytes()
		ext = extensionFor(mimeType, "webm")
	default:
		return media.Asset{}, fmt.Errorf("unknown capture mode %q", mode)
	}

	if len(content) == 0 {
		return media.Asset{}, fmt.Errorf("device %s produced no data", c.dev.Name())
	}

	name := fmt.Sprintf("%s_%s.%s", mode, started.Format("20060102-150405"), ext)
	c.logger.Info("Capture complete", "device", c.dev.Name(), "mode", mode, "bytes", len(content), "duration", time.Since(started))

	return media.ValidateAndWrap(media.RawFile{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(content)),
		Content:  content,
	})
}

func extensionFor(mimeType, fallback string) string {
	switch mimeType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/x-matroska":
		return "mkv"
	}
	return fallback
}

// Save writes the asset content to dir under its source name and returns the
// path. An existing file is never overwritten.
func Save(dir string, asset media.Asset) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create capture dir: %w", err)
	}
	ext := filepath.Ext(asset.SourceName)
	stem := strings.TrimSuffix(asset.SourceName, ext)
	for i := 0; i < 100; i++ {
		name := asset.SourceName
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to save capture: %w", err)
		}
		if _, err := f.Write(asset.Content); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to save capture: %w", err)
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("failed to save capture: too many files named %s", asset.SourceName)
}
