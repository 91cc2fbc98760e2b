package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/job"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/storage"
	"microscopy-analyzer/internal/upload"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testUser   = auth.Static{User: auth.User{ID: "user-1", Token: "tok"}, SignedIn: true}
)

// fakeObjects is a storage backend whose behavior per call is scripted.
type fakeObjects struct {
	mu   sync.Mutex
	keys []string
	// plan runs for each Put; a nil error stores the object.
	plan func(ctx context.Context, call int, size int64, progress func(int64)) error
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (string, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	call := len(f.keys)
	f.mu.Unlock()

	if f.plan != nil {
		if err := f.plan(ctx, call, size, opts.Progress); err != nil {
			return "", err
		}
	}
	return "https://objects.test/" + key, nil
}

func (f *fakeObjects) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// fakeJobs is an analysis backend whose responses are scripted.
type fakeJobs struct {
	mu      sync.Mutex
	submits []api.AnalysisRequest
	polls   atomic.Int32
	submit  func(n int) (*api.AnalysisResponse, error)
	poll    func(n int) (*api.AnalysisResponse, error)
}

func (f *fakeJobs) SubmitAnalysis(ctx context.Context, req api.AnalysisRequest) (*api.AnalysisResponse, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	n := len(f.submits)
	f.mu.Unlock()
	if f.submit != nil {
		return f.submit(n)
	}
	return &api.AnalysisResponse{JobID: "job-1", Status: api.JobStatusPending}, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (*api.AnalysisResponse, error) {
	n := int(f.polls.Add(1))
	return f.poll(n)
}

func (f *fakeJobs) Submits() []api.AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.AnalysisRequest(nil), f.submits...)
}

func completedAfter(polls int) func(n int) (*api.AnalysisResponse, error) {
	return func(n int) (*api.AnalysisResponse, error) {
		if n < polls {
			return &api.AnalysisResponse{Status: api.JobStatusProcessing, Stage: "Tracking cells"}, nil
		}
		return &api.AnalysisResponse{
			Status: api.JobStatusCompleted,
			Result: &api.AnalysisResult{
				ID:         "analysis-1",
				SpermCount: 120,
				Motility:   map[string]interface{}{"progressive": 41.0},
			},
		}, nil
	}
}

func newTestMachine(objects *fakeObjects, jobs *fakeJobs, timeout time.Duration) *Machine {
	uploader := upload.NewCoordinator(objects, "", testLogger)
	analyzer := job.NewClient(jobs, testUser, job.Options{PollInterval: 2 * time.Millisecond, Timeout: timeout}, testLogger)
	return New(uploader, analyzer, testUser, testLogger)
}

func videoAsset(size int64) media.Asset {
	return media.Asset{
		ID:         "asset-1",
		Kind:       media.KindVideo,
		ByteSize:   size,
		MimeType:   "video/webm",
		SourceName: "sample.webm",
		Content:    make([]byte, size),
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func TestHappyPath(t *testing.T) {
	const size = 10 * 1024 * 1024
	objects := &fakeObjects{plan: func(ctx context.Context, call int, size int64, progress func(int64)) error {
		for _, n := range []int64{0, size / 10, size * 4 / 10, size * 9 / 10, size} {
			progress(n)
		}
		return nil
	}}
	jobs := &fakeJobs{poll: completedAfter(3)}
	m := newTestMachine(objects, jobs, time.Second)

	rec := &recorder{}
	m.Subscribe(rec)

	snap, err := m.Run(context.Background(), videoAsset(size))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if snap.Phase != PhaseCompleted || snap.Result() == nil || snap.Result().SpermCount != 120 {
		t.Fatalf("Unexpected final snapshot %+v", snap)
	}
	if snap.Ticket.Progress != 100 || snap.Ticket.Locator == "" {
		t.Errorf("Expected a resolved ticket with locator, got %+v", snap.Ticket)
	}

	// The job was submitted with the uploaded object.
	submits := jobs.Submits()
	if len(submits) != 1 || submits[0].MediaURL != snap.Ticket.Locator {
		t.Errorf("Expected one submission of %s, got %+v", snap.Ticket.Locator, submits)
	}
	if submits[0].OriginalFilename != "sample.webm" {
		t.Errorf("Expected original filename, got %q", submits[0].OriginalFilename)
	}

	order := map[Phase]int{PhaseUploading: 1, PhaseProcessing: 2, PhaseCompleted: 3}
	var (
		completed int
		lastSeq   uint64
		lastPhase int
		lastPct   int
		stageSeen bool
	)
	for _, s := range rec.All() {
		if s.Seq <= lastSeq {
			t.Errorf("Notification out of order: seq %d after %d", s.Seq, lastSeq)
		}
		lastSeq = s.Seq
		if order[s.Phase] < lastPhase {
			t.Errorf("Phase went backwards to %s", s.Phase)
		}
		lastPhase = order[s.Phase]
		if s.Progress() < lastPct {
			t.Errorf("Progress went backwards: %d after %d", s.Progress(), lastPct)
		}
		lastPct = s.Progress()
		if s.Stage() == "Tracking cells" {
			stageSeen = true
		}
		if s.Phase == PhaseCompleted {
			completed++
			if s.Result() == nil {
				t.Error("Completed notification without result")
			}
		}
	}
	if completed != 1 {
		t.Errorf("Expected exactly one completed notification, got %d", completed)
	}
	if !stageSeen {
		t.Error("Stage label was never published")
	}
}

func TestUploadFailureThenRetryUsesFreshTicket(t *testing.T) {
	gate := make(chan struct{})
	objects := &fakeObjects{plan: func(ctx context.Context, call int, size int64, progress func(int64)) error {
		if call == 1 {
			progress(size * 4 / 10)
			return errors.New("connection reset by peer")
		}
		<-gate
		progress(size / 2)
		progress(size)
		return nil
	}}
	jobs := &fakeJobs{poll: completedAfter(1)}
	m := newTestMachine(objects, jobs, time.Second)

	snap, err := m.Run(context.Background(), videoAsset(1000))
	if !errors.Is(err, failure.ErrUploadFailure) {
		t.Fatalf("Expected UploadFailure, got %v", err)
	}
	if snap.Phase != PhaseError || !strings.Contains(snap.LastError, "connection reset by peer") {
		t.Fatalf("Unexpected snapshot %+v", snap)
	}
	if snap.Ticket.Progress != 40 || snap.Ticket.Locator != "" {
		t.Errorf("Failed ticket should stop at 40%% without locator, got %+v", snap.Ticket)
	}
	if len(jobs.Submits()) != 0 {
		t.Error("No job may be submitted without a locator")
	}
	oldTicket := snap.Ticket.ID

	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	retried := m.Snapshot()
	if retried.Phase != PhaseUploading || retried.Ticket.ID == oldTicket || retried.Ticket.Progress != 0 {
		t.Errorf("Expected a fresh ticket at 0%%, got %+v", retried.Ticket)
	}
	if retried.Attempt != 2 || retried.LastError != "" {
		t.Errorf("Unexpected retry snapshot %+v", retried)
	}
	close(gate)

	snap, err = m.Wait(context.Background())
	if err != nil || snap.Phase != PhaseCompleted {
		t.Fatalf("Expected completion after retry, got %s, %v", snap.Phase, err)
	}
	keys := objects.Keys()
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Errorf("Expected two distinct object keys, got %v", keys)
	}
}

func TestTimeoutThenRetryResubmitsSameLocator(t *testing.T) {
	var finish atomic.Bool
	jobs := &fakeJobs{poll: func(n int) (*api.AnalysisResponse, error) {
		if finish.Load() {
			return completedAfter(0)(n)
		}
		return &api.AnalysisResponse{Status: api.JobStatusProcessing}, nil
	}}
	objects := &fakeObjects{}
	m := newTestMachine(objects, jobs, 40*time.Millisecond)

	snap, err := m.Run(context.Background(), videoAsset(100))
	if !errors.Is(err, failure.ErrRemoteTimeout) {
		t.Fatalf("Expected RemoteTimeout, got %v", err)
	}
	if snap.Phase != PhaseError || snap.ErrorKind != failure.KindRemoteTimeout {
		t.Fatalf("Unexpected snapshot %+v", snap)
	}
	locator := snap.Ticket.Locator

	finish.Store(true)
	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if p := m.Snapshot().Phase; p != PhaseProcessing && p != PhaseCompleted {
		t.Errorf("Resubmission should skip the upload, phase is %s", p)
	}
	snap, err = m.Wait(context.Background())
	if err != nil || snap.Phase != PhaseCompleted {
		t.Fatalf("Expected completion, got %s, %v", snap.Phase, err)
	}

	if n := len(objects.Keys()); n != 1 {
		t.Errorf("Expected a single upload, got %d", n)
	}
	submits := jobs.Submits()
	if len(submits) != 2 || submits[1].MediaURL != locator {
		t.Errorf("Expected resubmission of %s, got %+v", locator, submits)
	}
}

func TestConcurrentStartIsRejected(t *testing.T) {
	objects := &fakeObjects{plan: func(ctx context.Context, call int, size int64, progress func(int64)) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	m := newTestMachine(objects, &fakeJobs{poll: completedAfter(1)}, time.Second)

	if err := m.Start(context.Background(), videoAsset(100)); err != nil {
		t.Fatal(err)
	}
	before := m.Snapshot()

	err := m.Start(context.Background(), videoAsset(200))
	if !errors.Is(err, failure.ErrConcurrentOperation) {
		t.Fatalf("Expected ConcurrentOperationRejected, got %v", err)
	}
	if err := m.Reset(); !errors.Is(err, failure.ErrConcurrentOperation) {
		t.Errorf("Reset during upload should be rejected, got %v", err)
	}

	after := m.Snapshot()
	if after.Seq != before.Seq || after.SessionID != before.SessionID || after.Ticket.ID != before.Ticket.ID || after.Asset.ByteSize != 100 {
		t.Errorf("Rejected start mutated the session: before %+v after %+v", before, after)
	}

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	snap, err := m.Wait(context.Background())
	if !errors.Is(err, failure.ErrCanceled) || snap.Phase != PhaseError {
		t.Fatalf("Expected canceled error phase, got %s, %v", snap.Phase, err)
	}

	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if s := m.Snapshot(); s.Phase != PhaseIdle || s.SessionID != "" || s.Ticket != nil {
		t.Errorf("Expected idle session after reset, got %+v", s)
	}
	if err := m.Start(context.Background(), videoAsset(100)); err != nil {
		t.Errorf("Start after reset failed: %v", err)
	}
	m.Cancel()
	m.Wait(context.Background())
}

func TestStuckJobStaysProcessing(t *testing.T) {
	jobs := &fakeJobs{poll: func(n int) (*api.AnalysisResponse, error) {
		// Neither a result nor a failure.
		return &api.AnalysisResponse{Status: api.JobStatusCompleted}, nil
	}}
	m := newTestMachine(&fakeObjects{}, jobs, time.Minute)

	if err := m.Start(context.Background(), videoAsset(100)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for jobs.polls.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatal("Job was never polled")
		}
		time.Sleep(time.Millisecond)
	}
	if s := m.Snapshot(); s.Phase != PhaseProcessing {
		t.Fatalf("Stuck job must stay processing, got %s", s.Phase)
	}
	if err := m.Retry(context.Background()); !errors.Is(err, failure.ErrConcurrentOperation) {
		t.Errorf("Retry while processing should be rejected, got %v", err)
	}

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	snap, err := m.Wait(context.Background())
	if snap.Phase != PhaseError || !errors.Is(err, failure.ErrCanceled) {
		t.Errorf("Expected canceled session, got %s, %v", snap.Phase, err)
	}
}

func TestStartValidation(t *testing.T) {
	objects := &fakeObjects{}
	uploader := upload.NewCoordinator(objects, "", testLogger)
	analyzer := job.NewClient(&fakeJobs{}, auth.Static{}, job.Options{}, testLogger)

	signedOut := New(uploader, analyzer, auth.Static{}, testLogger)
	if err := signedOut.Start(context.Background(), videoAsset(10)); !errors.Is(err, failure.ErrNotAuthenticated) {
		t.Errorf("Expected NotAuthenticated, got %v", err)
	}
	if s := signedOut.Snapshot(); s.Phase != PhaseIdle {
		t.Errorf("Rejected start changed phase to %s", s.Phase)
	}

	m := New(uploader, analyzer, testUser, testLogger)
	big := media.Asset{Kind: media.KindPhoto, ByteSize: 51 * 1024 * 1024, MimeType: "image/png"}
	if err := m.Start(context.Background(), big); !errors.Is(err, failure.ErrFileTooLarge) {
		t.Errorf("Expected FileTooLarge, got %v", err)
	}
	if len(objects.Keys()) != 0 {
		t.Error("No upload may start for an invalid asset")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m := newTestMachine(&fakeObjects{}, &fakeJobs{poll: completedAfter(1)}, time.Second)

	var seen Snapshot
	unsubscribe := m.Subscribe(ObserverFunc(func(s Snapshot) {
		if s.Phase == PhaseCompleted {
			seen = s
		}
	}))
	if _, err := m.Run(context.Background(), videoAsset(10)); err != nil {
		t.Fatal(err)
	}
	unsubscribe()

	seen.Result().Motility["progressive"] = 0.0
	seen.Ticket.Progress = 3

	current := m.Snapshot()
	if current.Result().Motility["progressive"] != 41.0 || current.Ticket.Progress != 100 {
		t.Error("Observer mutation leaked into the session")
	}
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if seen.Phase != PhaseCompleted {
		t.Error("Unsubscribed observer was notified")
	}
}

func TestDerivePhase(t *testing.T) {
	uploading := &upload.TicketSnapshot{State: upload.StateUploading, Progress: 40}
	uploaded := &upload.TicketSnapshot{State: upload.StateSucceeded, Progress: 100, Locator: "https://x"}
	failed := &upload.TicketSnapshot{State: upload.StateFailed, Progress: 40, Err: "boom"}

	tests := []struct {
		name   string
		ticket *upload.TicketSnapshot
		job    *job.Job
		want   Phase
	}{
		{"nothing", nil, nil, PhaseIdle},
		{"uploading", uploading, nil, PhaseUploading},
		{"upload failed", failed, nil, PhaseError},
		{"locator without job", uploaded, nil, PhaseProcessing},
		{"job pending", uploaded, &job.Job{ID: "j"}, PhaseProcessing},
		{"job stuck", uploaded, &job.Job{ID: "j", Status: api.JobStatusCompleted}, PhaseProcessing},
		{"job succeeded", uploaded, &job.Job{Result: &job.Result{}}, PhaseCompleted},
		{"job failed", uploaded, &job.Job{FailureReason: "bad", FailureKind: failure.KindRemoteError}, PhaseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := derivePhase(tt.ticket, tt.job); got != tt.want {
				t.Errorf("derivePhase() = %s, want %s", got, tt.want)
			}
		})
	}
}
