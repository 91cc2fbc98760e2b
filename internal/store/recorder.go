package store

import (
	"log/slog"

	"microscopy-analyzer/internal/pipeline"
)

// Recorder is a pipeline observer that writes every finished session to the
// analyses table.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Observe saves terminal snapshots and ignores the rest.
func (r *Recorder) Observe(snap pipeline.Snapshot) {
	if !snap.Phase.Terminal() || snap.SessionID == "" {
		return
	}
	rec := RecordFromSnapshot(snap)
	if err := r.store.SaveAnalysis(rec); err != nil {
		r.logger.Error("Failed to save analysis", "session", snap.SessionID, "error", err)
		return
	}
	r.logger.Debug("Analysis saved", "session", snap.SessionID, "status", rec.Status)
}

// RecordFromSnapshot converts a terminal session into a history row.
func RecordFromSnapshot(snap pipeline.Snapshot) AnalysisRecord {
	rec := AnalysisRecord{
		ID:         snap.SessionID,
		UserID:     snap.OwnerID,
		Status:     AnalysisFailed,
		ErrorKind:  string(snap.ErrorKind),
		Error:      snap.LastError,
		Attempts:   snap.Attempt,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.UpdatedAt,
	}
	if snap.Asset != nil {
		rec.SourceName = snap.Asset.SourceName
		rec.MediaKind = string(snap.Asset.Kind)
	}
	if snap.Ticket != nil {
		rec.MediaURL = snap.Ticket.Locator
		rec.ObjectKey = snap.Ticket.ObjectKey
	}
	if snap.Job != nil {
		rec.JobID = snap.Job.ID
		if snap.Job.Result != nil {
			rec.Status = AnalysisCompleted
			rec.Result = snap.Job.Result.Clone()
		}
	}
	return rec
}
