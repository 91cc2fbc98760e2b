package pipeline

// Package pipeline owns the analysis session: it starts the upload of a
// validated sample, submits the uploaded object for analysis, follows the job
// to a terminal state and publishes every change to subscribed observers.
// Phases are derived from ticket and job state and never stored.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/job"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/upload"

	"github.com/google/uuid"
)

// Uploader starts uploads. *upload.Coordinator implements it.
type Uploader interface {
	Upload(ctx context.Context, asset media.Asset, ownerID string) *upload.Ticket
}

// Analyzer submits and follows analysis jobs. *job.Client implements it.
type Analyzer interface {
	Submit(ctx context.Context, locator string, kind media.Kind, opts ...job.SubmitOption) (job.Job, error)
	AwaitCompletion(ctx context.Context, j job.Job, onStage func(job.Job)) (job.Job, error)
}

// Observer receives a snapshot after every session change. Observe runs
// synchronously on the goroutine that made the change and must not call
// Start, Retry or Reset.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

var (
	errStale     = errors.New("session replaced")
	errUnchanged = errors.New("session unchanged")
)

type subscription struct {
	id       int
	observer Observer
}

// Machine is the single writer of one analysis session.
type Machine struct {
	uploader Uploader
	analyzer Analyzer
	auth     auth.Provider
	logger   *slog.Logger
	now      func() time.Time

	// transitionMu is held across a mutation and its delivery so observers
	// see snapshots in Seq order.
	transitionMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	seq       uint64
	sessionID string
	info      *AssetInfo
	asset     *media.Asset // Content kept only until an upload succeeds
	ownerID   string
	ticket    *upload.TicketSnapshot
	job       *job.Job
	attempt   int
	startedAt time.Time
	updatedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	lastPhase Phase

	subs   []subscription
	nextID int
}

// New creates an idle Machine.
func New(uploader Uploader, analyzer Analyzer, provider auth.Provider, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		uploader:  uploader,
		analyzer:  analyzer,
		auth:      provider,
		logger:    logger,
		now:       time.Now,
		lastPhase: PhaseIdle,
	}
}

// Subscribe registers o and returns a function that removes it.
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, observer: o})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Start begins analyzing asset. It is rejected unless the session is idle;
// a rejected call leaves the session untouched. The upload and the job run
// in the background under ctx.
func (m *Machine) Start(ctx context.Context, asset media.Asset) error {
	var run func()
	err := m.transition(func() error {
		if p := m.phaseLocked(); p != PhaseIdle {
			return failure.Newf(failure.KindConcurrentOperation,
				"cannot start a new analysis while the session is %s", p)
		}
		if err := checkAsset(asset); err != nil {
			return err
		}
		user, ok := m.auth.CurrentUser()
		if !ok {
			return failure.New(failure.KindNotAuthenticated, "sign in to analyze a sample")
		}

		m.sessionID = uuid.NewString()
		m.info = &AssetInfo{
			ID:         asset.ID,
			Kind:       asset.Kind,
			MimeType:   asset.MimeType,
			SourceName: asset.SourceName,
			ByteSize:   asset.ByteSize,
		}
		a := asset
		m.asset = &a
		m.ownerID = user.ID
		m.attempt = 1
		m.startedAt = m.now()
		m.job = nil
		run = m.beginUploadLocked(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	go run()
	return nil
}

// Run starts asset and waits for the session to become terminal.
func (m *Machine) Run(ctx context.Context, asset media.Asset) (Snapshot, error) {
	if err := m.Start(ctx, asset); err != nil {
		return m.Snapshot(), err
	}
	return m.Wait(ctx)
}

// Wait blocks until the background work of the current session has stopped
// and returns the session with its failure, if any.
func (m *Machine) Wait(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
	s := m.Snapshot()
	return s, s.Err()
}

// Retry recovers a failed session. A failed upload is retried with a fresh
// ticket and object key; a failed job is resubmitted with the locator of the
// successful upload.
func (m *Machine) Retry(ctx context.Context) error {
	var run func()
	err := m.transition(func() error {
		if p := m.phaseLocked(); p != PhaseError {
			return failure.Newf(failure.KindConcurrentOperation,
				"retry is only possible after a failure, the session is %s", p)
		}
		user, ok := m.auth.CurrentUser()
		if !ok {
			return failure.New(failure.KindNotAuthenticated, "sign in to retry the analysis")
		}
		resubmit := m.ticket != nil && m.ticket.State == upload.StateSucceeded
		if !resubmit && m.asset == nil {
			return failure.New(failure.KindUploadFailure, "the sample is no longer available, start a new analysis")
		}
		m.ownerID = user.ID
		m.attempt++
		m.job = nil

		if resubmit {
			runCtx, cancel, gen, done := m.newRunLocked(ctx)
			locator, info := m.ticket.Locator, *m.info
			run = func() {
				defer close(done)
				defer cancel()
				m.analyze(runCtx, gen, locator, info)
			}
			return nil
		}
		run = m.beginUploadLocked(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	go run()
	return nil
}

// Reset returns a terminal session to idle and drops the sample. It is
// rejected while an upload or job is in flight; Cancel first.
func (m *Machine) Reset() error {
	err := m.transition(func() error {
		p := m.phaseLocked()
		if p.Active() {
			return failure.Newf(failure.KindConcurrentOperation,
				"cannot reset while the session is %s, cancel it first", p)
		}
		if p == PhaseIdle && m.sessionID == "" {
			return errUnchanged
		}
		m.gen++
		m.sessionID = ""
		m.info = nil
		m.asset = nil
		m.ownerID = ""
		m.ticket = nil
		m.job = nil
		m.attempt = 0
		m.startedAt = time.Time{}
		m.cancel = nil
		m.done = nil
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Cancel aborts the in-flight upload or stops waiting for the job. The
// session ends in the error phase with kind Canceled; the remote job, if
// any, keeps running.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.phaseLocked()
	if !p.Active() {
		return failure.Newf(failure.KindConcurrentOperation, "nothing to cancel, the session is %s", p)
	}
	m.logger.Info("Canceling analysis", "session", m.sessionID, "phase", p)
	m.cancel()
	return nil
}

// newRunLocked replaces the session generation and prepares a cancellable
// context for its background work.
func (m *Machine) newRunLocked(ctx context.Context) (context.Context, context.CancelFunc, uint64, chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	m.gen++
	m.cancel = cancel
	m.done = make(chan struct{})
	return runCtx, cancel, m.gen, m.done
}

// beginUploadLocked starts a fresh upload ticket and returns the goroutine
// body that follows it.
func (m *Machine) beginUploadLocked(ctx context.Context) func() {
	runCtx, cancel, gen, done := m.newRunLocked(ctx)
	asset, info := *m.asset, *m.info

	t := m.uploader.Upload(runCtx, asset, m.ownerID)
	snap := t.Snapshot()
	m.ticket = &snap

	return func() {
		defer close(done)
		defer cancel()
		if locator, ok := m.follow(gen, t); ok {
			m.analyze(runCtx, gen, locator, info)
		}
	}
}

// follow mirrors ticket progress into the session until it resolves. It
// returns the locator when the upload succeeded and the session is current.
func (m *Machine) follow(gen uint64, t *upload.Ticket) (string, bool) {
	for p := range t.Updates() {
		if p >= 100 {
			continue
		}
		err := m.transition(func() error {
			if m.gen != gen {
				return errStale
			}
			if m.ticket.Progress >= p || m.ticket.Resolved() {
				return errUnchanged
			}
			next := *m.ticket
			next.Progress = p
			m.ticket = &next
			return nil
		})
		if errors.Is(err, errStale) {
			return "", false
		}
	}

	final := t.Snapshot()
	err := m.transition(func() error {
		if m.gen != gen {
			return errStale
		}
		if *m.ticket == final {
			return errUnchanged
		}
		m.ticket = &final
		if final.State == upload.StateSucceeded {
			m.asset = nil
		}
		return nil
	})
	if errors.Is(err, errStale) || final.State != upload.StateSucceeded {
		return "", false
	}
	return final.Locator, true
}

// analyze submits the uploaded object and follows the job to its outcome.
// Failures are recorded on the job itself.
func (m *Machine) analyze(ctx context.Context, gen uint64, locator string, info AssetInfo) {
	j, _ := m.analyzer.Submit(ctx, locator, info.Kind, job.WithSourceName(info.SourceName))
	if !m.setJob(gen, j) || j.Terminal() {
		return
	}

	j, _ = m.analyzer.AwaitCompletion(ctx, j, func(interim job.Job) {
		m.setJob(gen, interim)
	})
	m.setJob(gen, j)
}

// setJob records j on the session of generation gen. It returns false once
// the session has been replaced.
func (m *Machine) setJob(gen uint64, j job.Job) bool {
	err := m.transition(func() error {
		if m.gen != gen {
			return errStale
		}
		c := j.Clone()
		m.job = &c
		return nil
	})
	return !errors.Is(err, errStale)
}

// transition applies fn under the session lock and, unless fn returns an
// error, publishes the new snapshot to every observer.
func (m *Machine) transition(fn func() error) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if err := fn(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.seq++
	m.updatedAt = m.now()
	snap := m.snapshotLocked()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.logTransitionLocked(snap)
	m.mu.Unlock()

	for _, s := range subs {
		m.deliver(s.observer, snap)
	}
	return nil
}

func (m *Machine) deliver(o Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Observer panicked", "session", snap.SessionID, "panic", r)
		}
	}()
	o.Observe(snap)
}

func (m *Machine) logTransitionLocked(s Snapshot) {
	if s.Phase == m.lastPhase {
		return
	}
	log := m.logger.With("session", s.SessionID, "from", m.lastPhase, "to", s.Phase, "attempt", s.Attempt)
	m.lastPhase = s.Phase
	switch s.Phase {
	case PhaseError:
		log.Warn("Analysis session failed", "kind", s.ErrorKind, "error", s.LastError)
	case PhaseCompleted:
		log.Info("Analysis session completed", "job_id", s.Job.ID)
	default:
		log.Info("Analysis session phase changed")
	}
}

func (m *Machine) phaseLocked() Phase {
	return derivePhase(m.ticket, m.job)
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:       m.seq,
		SessionID: m.sessionID,
		OwnerID:   m.ownerID,
		Phase:     derivePhase(m.ticket, m.job),
		Attempt:   m.attempt,
		StartedAt: m.startedAt,
		UpdatedAt: m.updatedAt,
	}
	if m.info != nil {
		info := *m.info
		s.Asset = &info
	}
	if m.ticket != nil {
		t := *m.ticket
		s.Ticket = &t
	}
	if m.job != nil {
		j := m.job.Clone()
		s.Job = &j
	}
	s.LastError, s.ErrorKind = lastError(m.ticket, m.job)
	return s
}

func checkAsset(a media.Asset) error {
	if a.Kind != media.KindPhoto && a.Kind != media.KindVideo {
		return failure.Newf(failure.KindUnsupportedType, "unsupported sample kind %q", a.Kind)
	}
	if a.ByteSize > a.Kind.MaxBytes() {
		return failure.Newf(failure.KindFileTooLarge, "%s is %d bytes, the %s limit is %d bytes",
			a.SourceName, a.ByteSize, a.Kind, a.Kind.MaxBytes())
	}
	return nil
}
