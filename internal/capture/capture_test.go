package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
)

type fakeDevice struct {
	openErr   error
	stillErr  error
	chunks    [][]byte
	opened    int32
	closed    int32
	recording chan struct{}
}

func (d *fakeDevice) Name() string { return "fake0" }

func (d *fakeDevice) Open(ctx context.Context) (Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	atomic.AddInt32(&d.opened, 1)
	return &fakeSession{dev: d}, nil
}

type fakeSession struct {
	dev *fakeDevice
}

func (s *fakeSession) Still(ctx context.Context) ([]byte, string, error) {
	if s.dev.stillErr != nil {
		return nil, "", s.dev.stillErr
	}
	return []byte("jpeg-frame"), "image/jpeg", nil
}

func (s *fakeSession) Record(ctx context.Context, stop <-chan struct{}, emit func([]byte)) (string, error) {
	for _, c := range s.dev.chunks {
		emit(c)
	}
	if s.dev.recording != nil {
		close(s.dev.recording)
	}
	select {
	case <-stop:
		return "video/webm", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.dev.closed, 1)
	return nil
}

func newTestCapturer(dev Device) *Capturer {
	return NewCapturer(dev, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestCapturePhoto(t *testing.T) {
	dev := &fakeDevice{}
	c := newTestCapturer(dev)

	asset, err := c.Capture(context.Background(), ModePhoto, nil)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if asset.Kind != media.KindPhoto {
		t.Errorf("Expected photo, got %s", asset.Kind)
	}
	if string(asset.Content) != "jpeg-frame" {
		t.Errorf("Unexpected content %q", asset.Content)
	}
	if dev.closed != 1 || c.Held() {
		t.Errorf("Device not released: closed=%d held=%v", dev.closed, c.Held())
	}
}

func TestCaptureVideoConcatenatesChunks(t *testing.T) {
	dev := &fakeDevice{
		chunks:    [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")},
		recording: make(chan struct{}),
	}
	c := newTestCapturer(dev)

	stop := make(chan struct{})
	go func() {
		<-dev.recording
		if !c.Held() {
			t.Error("Expected device to be held while recording")
		}
		close(stop)
	}()

	asset, err := c.Capture(context.Background(), ModeVideo, stop)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if asset.Kind != media.KindVideo {
		t.Errorf("Expected video, got %s", asset.Kind)
	}
	if string(asset.Content) != "aabbcc" {
		t.Errorf("Expected concatenated chunks, got %q", asset.Content)
	}
	if filepath.Ext(asset.SourceName) != ".webm" {
		t.Errorf("Expected .webm name, got %s", asset.SourceName)
	}
	if dev.closed != 1 || c.Held() {
		t.Errorf("Device not released: closed=%d held=%v", dev.closed, c.Held())
	}
}

func TestCaptureReleasesOnEveryPath(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		dev := &fakeDevice{openErr: failure.New(failure.KindDeviceAccessDenied, "denied")}
		c := newTestCapturer(dev)
		_, err := c.Capture(context.Background(), ModePhoto, nil)
		if !errors.Is(err, failure.ErrDeviceAccessDenied) {
			t.Errorf("Expected DeviceAccessDenied, got %v", err)
		}
		if c.Held() {
			t.Error("Lock still held after denial")
		}
		if dev.opened != 0 || dev.closed != 0 {
			t.Error("Denied device must not be half-acquired")
		}
	})

	t.Run("plain open error", func(t *testing.T) {
		dev := &fakeDevice{openErr: errors.New("no such device")}
		c := newTestCapturer(dev)
		_, err := c.Capture(context.Background(), ModePhoto, nil)
		if failure.KindOf(err) != failure.KindDeviceAccessDenied {
			t.Errorf("Expected DeviceAccessDenied, got %v", err)
		}
		if c.Held() {
			t.Error("Lock still held")
		}
	})

	t.Run("still error", func(t *testing.T) {
		dev := &fakeDevice{stillErr: errors.New("sensor fault")}
		c := newTestCapturer(dev)
		if _, err := c.Capture(context.Background(), ModePhoto, nil); err == nil {
			t.Fatal("Expected error")
		}
		if dev.closed != 1 || c.Held() {
			t.Errorf("Device not released: closed=%d held=%v", dev.closed, c.Held())
		}
	})

	t.Run("user cancel", func(t *testing.T) {
		dev := &fakeDevice{chunks: [][]byte{[]byte("x")}}
		c := newTestCapturer(dev)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Capture(ctx, ModeVideo, make(chan struct{}))
		if failure.KindOf(err) != failure.KindCanceled && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected cancellation, got %v", err)
		}
		if dev.closed != 1 || c.Held() {
			t.Errorf("Device not released: closed=%d held=%v", dev.closed, c.Held())
		}
	})
}

func TestCaptureRejectsSecondHolder(t *testing.T) {
	dev := &fakeDevice{recording: make(chan struct{})}
	c := newTestCapturer(dev)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Capture(context.Background(), ModeVideo, stop)
		done <- err
	}()
	<-dev.recording

	if _, err := c.Capture(context.Background(), ModePhoto, nil); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Expected ErrDeviceBusy, got %v", err)
	}

	close(stop)
	// No chunks were emitted, so the recording itself fails, but the lock
	// must still be released.
	if err := <-done; err == nil {
		t.Error("Expected empty recording to fail")
	}
	if c.Held() {
		t.Error("Lock still held")
	}
}

func TestCommandDeviceMissingNode(t *testing.T) {
	dev := &CommandDevice{DevicePath: filepath.Join(t.TempDir(), "video9")}
	if _, err := dev.Open(context.Background()); failure.KindOf(err) != failure.KindDeviceAccessDenied {
		t.Errorf("Expected DeviceAccessDenied, got %v", err)
	}
}

func TestSaveNeverOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	asset := media.Asset{SourceName: "photo_20260101-101010.jpg", Content: []byte("first")}

	first, err := Save(dir, asset)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	asset.Content = []byte("second")
	second, err := Save(dir, asset)
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatalf("Expected distinct paths, got %s twice", first)
	}
	if filepath.Base(second) != "photo_20260101-101010-1.jpg" {
		t.Errorf("Unexpected second name %s", filepath.Base(second))
	}
	if got, _ := os.ReadFile(first); string(got) != "first" {
		t.Errorf("First capture was overwritten: %q", got)
	}
}
