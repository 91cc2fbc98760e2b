package job

import (
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
)

// Result is the backend's typed metrics record. Its values are produced
// remotely and only displayed or forwarded here.
type Result = api.AnalysisResult

// Job is one remote analysis request and its outcome. Once terminal exactly
// one of Result and FailureReason is set.
type Job struct {
	ID            string
	RemoteLocator string
	Kind          media.Kind
	Stage         string
	Status        api.JobStatus
	Result        *Result
	FailureReason string
	FailureKind   failure.Kind
	SubmittedAt   time.Time
	FinishedAt    time.Time
}

// Terminal reports whether the job has an outcome.
func (j Job) Terminal() bool {
	return j.Result != nil || j.FailureReason != ""
}

// Succeeded reports whether the job finished with a result.
func (j Job) Succeeded() bool {
	return j.Result != nil
}

// Err rebuilds the failure of a failed job, or nil.
func (j Job) Err() error {
	if j.FailureReason == "" {
		return nil
	}
	return failure.New(j.FailureKind, j.FailureReason)
}

// Clone returns a copy that shares no maps with j.
func (j Job) Clone() Job {
	j.Result = j.Result.Clone()
	return j
}

func (j *Job) succeed(r *Result, now time.Time) {
	j.Status = api.JobStatusCompleted
	j.Result = r.Clone()
	j.FailureReason = ""
	j.FailureKind = failure.KindNone
	j.FinishedAt = now
}

func (j *Job) fail(err error, now time.Time) {
	j.Status = api.JobStatusFailed
	j.Result = nil
	j.FailureReason = failure.ReasonOf(err)
	j.FailureKind = failure.KindOf(err)
	if j.FailureKind == failure.KindNone {
		j.FailureKind = failure.KindRemoteError
	}
	j.FinishedAt = now
}
