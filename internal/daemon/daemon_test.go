package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/storage"
	"microscopy-analyzer/internal/store"
)

// memObjects keeps uploaded objects in memory.
type memObjects struct {
	mu   sync.Mutex
	keys []string
}

func (m *memObjects) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (string, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	if opts.Progress != nil {
		opts.Progress(n)
	}
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	return "https://objects.test/" + key, nil
}

func newAnalysisServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/analysis" {
			http.NotFound(w, r)
			return
		}
		var req api.AnalysisRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.AnalysisResponse{
			JobID:  "job-" + req.OriginalFilename,
			Status: api.JobStatusCompleted,
			Result: &api.AnalysisResult{ID: "result-" + req.OriginalFilename, SpermCount: 80},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestDaemonAnalyzesDroppedSamples(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "daemon_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	watchDir := filepath.Join(tmpDir, "inbox")
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		t.Fatal(err)
	}

	server := newAnalysisServer(t)
	cfg := &config.Config{
		Endpoint:           server.URL,
		APITimeout:         "5s",
		UserID:             "user-1",
		AuthToken:          "token-1",
		WatchPath:          watchDir,
		DebounceDuration:   "50ms",
		DBPath:             filepath.Join(tmpDir, "mscope.db"),
		Job:                config.JobConfig{PollInterval: "20ms", Timeout: "5s"},
		Capture:            config.CaptureConfig{Dir: filepath.Join(tmpDir, "captures")},
		MaxCaptureSizeGB:   1.0,
		PruneCheckInterval: "1h",
	}

	// Dropped while the service was offline.
	offline := filepath.Join(watchDir, "offline.png")
	if err := os.WriteFile(offline, []byte("\x89PNG\r\n\x1a\nimage"), 0644); err != nil {
		t.Fatal(err)
	}

	objects := &memObjects{}
	d := &Daemon{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:     cfg,
		CfgPath: filepath.Join(tmpDir, "config.json"),
		Objects: objects,
	}
	if err := d.Start(nil); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}
	defer d.Stop(nil)

	// Dropped while running, in a subfolder.
	live := filepath.Join(watchDir, "day1", "live.webm")
	if err := os.MkdirAll(filepath.Dir(live), 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(live, []byte("\x1aE\xdf\xa3webm"), 0644); err != nil {
		t.Fatal(err)
	}

	st := d.Components.Store
	for _, path := range []string{offline, live} {
		path := path
		waitFor(t, path+" to be analyzed", func() bool {
			c, err := st.GetCapture(path)
			return err == nil && c.Status == store.CaptureAnalyzed
		})
	}

	records, err := st.ListAnalyses("user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 analyses in history, got %d", len(records))
	}
	names := map[string]bool{}
	for _, r := range records {
		if r.Status != store.AnalysisCompleted || r.Result == nil {
			t.Errorf("Expected completed analysis with result, got %+v", r)
		}
		names[r.SourceName] = true
	}
	if !names["offline.png"] || !names["day1/live.webm"] {
		t.Errorf("Unexpected source names %v", names)
	}

	objects.mu.Lock()
	keys := append([]string(nil), objects.keys...)
	objects.mu.Unlock()
	if len(keys) != 2 {
		t.Errorf("Expected 2 uploads, got %v", keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "user-1/") {
			t.Errorf("Expected object key under the user prefix, got %s", k)
		}
	}

	waitFor(t, "the session to be reset", func() bool {
		return d.Components.Machine.Snapshot().SessionID == ""
	})
}

func TestDaemonQueuesWhileSignedOut(t *testing.T) {
	tmpDir := t.TempDir()
	watchDir := filepath.Join(tmpDir, "inbox")
	os.MkdirAll(watchDir, 0755)

	sample := filepath.Join(watchDir, "queued.png")
	os.WriteFile(sample, []byte("\x89PNG\r\n\x1a\nimage"), 0644)

	cfg := &config.Config{
		Endpoint:           "http://127.0.0.1:1",
		WatchPath:          watchDir,
		DebounceDuration:   "50ms",
		DBPath:             filepath.Join(tmpDir, "mscope.db"),
		Capture:            config.CaptureConfig{Dir: filepath.Join(tmpDir, "captures")},
		PruneCheckInterval: "1h",
		MetricsAddr:        "127.0.0.1:0",
	}
	d := &Daemon{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:     cfg,
		CfgPath: filepath.Join(tmpDir, "config.json"),
		Objects: &memObjects{},
	}
	if err := d.Start(nil); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	st := d.Components.Store
	waitFor(t, "the sample to be registered", func() bool {
		_, err := st.GetCapture(sample)
		return err == nil
	})
	time.Sleep(100 * time.Millisecond)
	if c, _ := st.GetCapture(sample); c.Status != store.CapturePending {
		t.Errorf("Expected the sample to stay pending, got %s", c.Status)
	}

	rec := httptest.NewRecorder()
	d.Components.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected metrics to be served, got %d", rec.Code)
	}

	if err := d.Stop(nil); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := d.Stop(nil); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}
