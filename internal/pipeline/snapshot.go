package pipeline

import (
	"time"

	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/job"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/upload"
)

// Phase is the top-level lifecycle stage of a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// Terminal reports whether no further automatic transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Active reports whether an upload or job is in flight.
func (p Phase) Active() bool {
	return p == PhaseUploading || p == PhaseProcessing
}

// AssetInfo describes the session's sample without its content.
type AssetInfo struct {
	ID         string
	Kind       media.Kind
	MimeType   string
	SourceName string
	ByteSize   int64
}

// Snapshot is an immutable copy of a session. Observers may keep it; nothing
// in it is shared with the machine.
type Snapshot struct {
	Seq       uint64 // Increases with every notification
	SessionID string
	OwnerID   string // Account the sample is analyzed for
	Phase     Phase
	Asset     *AssetInfo
	Ticket    *upload.TicketSnapshot
	Job       *job.Job
	LastError string
	ErrorKind failure.Kind
	Attempt   int // 1 for the first try, incremented by each retry
	StartedAt time.Time
	UpdatedAt time.Time
}

// Err returns the session failure, or nil.
func (s Snapshot) Err() error {
	if s.LastError == "" {
		return nil
	}
	return failure.New(s.ErrorKind, s.LastError)
}

// Progress returns the upload percentage, 0 without a ticket.
func (s Snapshot) Progress() int {
	if s.Ticket == nil {
		return 0
	}
	return s.Ticket.Progress
}

// Stage returns the backend's current stage label, if any.
func (s Snapshot) Stage() string {
	if s.Job == nil {
		return ""
	}
	return s.Job.Stage
}

// Result returns the analysis result of a completed session.
func (s Snapshot) Result() *job.Result {
	if s.Job == nil {
		return nil
	}
	return s.Job.Result
}

// derivePhase maps ticket and job state to a phase. It is the only place a
// phase is decided.
func derivePhase(t *upload.TicketSnapshot, j *job.Job) Phase {
	if j != nil {
		switch {
		case j.Result != nil:
			return PhaseCompleted
		case j.FailureReason != "":
			return PhaseError
		default:
			return PhaseProcessing
		}
	}
	if t == nil {
		return PhaseIdle
	}
	switch t.State {
	case upload.StateSucceeded:
		// Locator obtained, job not yet submitted.
		return PhaseProcessing
	case upload.StateFailed:
		return PhaseError
	default:
		return PhaseUploading
	}
}

// lastError picks the failure that ended the session.
func lastError(t *upload.TicketSnapshot, j *job.Job) (string, failure.Kind) {
	if j != nil && j.FailureReason != "" {
		return j.FailureReason, j.FailureKind
	}
	if t != nil && t.State == upload.StateFailed {
		return t.Err, t.ErrKind
	}
	return "", failure.KindNone
}
