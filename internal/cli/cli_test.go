package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/job"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/pipeline"
	"microscopy-analyzer/internal/storage"
	"microscopy-analyzer/internal/store"
	"microscopy-analyzer/internal/upload"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	pairingPollInterval = 5 * time.Millisecond
}

func newPairingServer(t *testing.T, claimAfter int32) *httptest.Server {
	t.Helper()
	var checks atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/pairing/request":
			json.NewEncoder(w).Encode(api.PairingResponse{Code: "ABC123"})
		case "/v1/pairing/status":
			if r.URL.Query().Get("code") != "ABC123" {
				http.Error(w, "unknown code", http.StatusBadRequest)
				return
			}
			if claimAfter < 0 {
				http.NotFound(w, r)
				return
			}
			if checks.Add(1) < claimAfter {
				json.NewEncoder(w).Encode(api.PairingStatusResponse{Status: api.PairingStatusWaiting})
				return
			}
			key, userID, email := "key-1", "user-1", "lab@example.com"
			json.NewEncoder(w).Encode(api.PairingStatusResponse{
				Status: api.PairingStatusClaimed,
				APIKey: &key,
				UserID: &userID,
				Email:  &email,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPairDeviceStoresAccount(t *testing.T) {
	server := newPairingServer(t, 2)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Endpoint = server.URL
	cfg.WebClientURL = "https://app.test/"
	cfg.DeviceID = "dev-1"

	var out bytes.Buffer
	user, err := pairDevice(context.Background(), cfg, cfgPath, &out)
	if err != nil {
		t.Fatalf("pairDevice failed: %v", err)
	}
	if user.ID != "user-1" || user.Token != "key-1" || displayName(user) != "lab@example.com" {
		t.Errorf("Unexpected user %+v", user)
	}
	if !strings.Contains(out.String(), "https://app.test/claim/ABC123") {
		t.Errorf("Claim URL not shown:\n%s", out.String())
	}

	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := auth.NewConfigProvider(saved).CurrentUser()
	if !ok || got.ID != "user-1" || got.Token != "key-1" {
		t.Errorf("Saved account = %+v, %v", got, ok)
	}
}

func TestPairDeviceExpiredCode(t *testing.T) {
	server := newPairingServer(t, -1)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Endpoint = server.URL
	cfg.DeviceID = "dev-1"

	_, err = pairDevice(context.Background(), cfg, cfgPath, io.Discard)
	if !errors.Is(err, errPairingExpired) {
		t.Fatalf("Expected expired error, got %v", err)
	}
	if _, ok := auth.NewConfigProvider(cfg).CurrentUser(); ok {
		t.Error("Expired pairing must not sign in")
	}
}

// flakyObjects fails the first upload.
type flakyObjects struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyObjects) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call == 1 {
		return "", errors.New("connection reset")
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	if opts.Progress != nil {
		opts.Progress(n)
	}
	return "https://objects.test/" + key, nil
}

func TestRunSessionRetriesUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.AnalysisResponse{
			JobID:  "job-1",
			Status: api.JobStatusCompleted,
			Result: &api.AnalysisResult{
				ID:         "result-1",
				SpermCount: 120,
				Motility:   map[string]interface{}{"progressive": 41.0},
			},
		})
	}))
	defer server.Close()

	user := auth.Static{User: auth.User{ID: "user-1", Token: "tok"}, SignedIn: true}
	jobs := job.NewClient(api.NewClient(server.URL, "5s", "tok"), user,
		job.Options{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}, testLogger)
	m := pipeline.New(upload.NewCoordinator(&flakyObjects{}, "", testLogger), jobs, user, testLogger)

	asset := media.Asset{
		ID:         "asset-1",
		Kind:       media.KindPhoto,
		ByteSize:   2048,
		MimeType:   "image/png",
		SourceName: "sample.png",
		Content:    make([]byte, 2048),
	}

	var out bytes.Buffer
	snap, err := runSession(context.Background(), m, asset, 1, &out)
	if err != nil {
		t.Fatalf("runSession failed: %v\n%s", err, out.String())
	}
	if snap.Phase != pipeline.PhaseCompleted || snap.Attempt != 2 {
		t.Errorf("Expected completed on attempt 2, got %s attempt %d", snap.Phase, snap.Attempt)
	}
	printOutcome(&out, snap)

	text := out.String()
	for _, want := range []string{"Uploading sample.png (attempt 1)", "Retrying (1/1)", "Uploading sample.png (attempt 2)", "completed", "progressive:"} {
		if !strings.Contains(text, want) {
			t.Errorf("Output missing %q:\n%s", want, text)
		}
	}
}

func TestRunSessionWithoutRetries(t *testing.T) {
	user := auth.Static{User: auth.User{ID: "user-1", Token: "tok"}, SignedIn: true}
	jobs := job.NewClient(api.NewClient("http://127.0.0.1:1", "1s", "tok"), user, job.Options{}, testLogger)
	m := pipeline.New(upload.NewCoordinator(&flakyObjects{}, "", testLogger), jobs, user, testLogger)

	asset := media.Asset{ID: "asset-1", Kind: media.KindPhoto, ByteSize: 2048, MimeType: "image/png", SourceName: "a.png", Content: make([]byte, 2048)}
	var out bytes.Buffer
	snap, err := runSession(context.Background(), m, asset, 0, &out)
	if err == nil || snap.Phase != pipeline.PhaseError {
		t.Fatalf("Expected a failed session, got %s, %v", snap.Phase, err)
	}
	printOutcome(&out, snap)
	if !strings.Contains(out.String(), "Analysis failed (") {
		t.Errorf("Failure not reported:\n%s", out.String())
	}
}

func TestPrintHistory(t *testing.T) {
	finished := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	records := []store.AnalysisRecord{
		{ID: "s-1", SourceName: "a.png", Status: store.AnalysisCompleted, FinishedAt: finished,
			Result: &api.AnalysisResult{SpermCount: 80, Concentration: 15.5}},
		{ID: "s-2", SourceName: "b.webm", Status: store.AnalysisFailed, FinishedAt: finished, Error: "upload failed"},
	}

	var out bytes.Buffer
	printHistory(&out, records)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 rows, got:\n%s", out.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "count 80, 15.5 M/ml") ||
		!strings.Contains(lines[2], "upload failed") || !strings.Contains(lines[1], "2026-03-01 09:30") {
		t.Errorf("Unexpected table:\n%s", out.String())
	}
}

func TestRetryableKinds(t *testing.T) {
	for _, k := range []failure.Kind{failure.KindUploadFailure, failure.KindRemoteTimeout, failure.KindRemoteError} {
		if !retryable(k) {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []failure.Kind{failure.KindFileTooLarge, failure.KindSubmissionRejected, failure.KindCanceled, failure.KindNotAuthenticated} {
		if retryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestCopyLogTail(t *testing.T) {
	log := "one\ntwo\nthree\nfour\n"

	var all bytes.Buffer
	if err := copyLog(&all, strings.NewReader(log), 0); err != nil {
		t.Fatal(err)
	}
	if all.String() != log {
		t.Errorf("Full copy = %q", all.String())
	}

	var last bytes.Buffer
	if err := copyLog(&last, strings.NewReader(log), 2); err != nil {
		t.Fatal(err)
	}
	if last.String() != "three\nfour\n" {
		t.Errorf("Tail = %q", last.String())
	}
}
