package store

// Package store handles all database interactions using SQLite.
// It keeps the history of analysis sessions, the chat exchanges about them and
// the capture files waiting for (or done with) analysis, so the client keeps
// its history across restarts.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"microscopy-analyzer/internal/job"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// AnalysisStatus is the outcome of a finished session.
type AnalysisStatus string

const (
	AnalysisCompleted AnalysisStatus = "COMPLETED"
	AnalysisFailed    AnalysisStatus = "FAILED"
)

// CaptureStatus represents the processing state of a capture file.
type CaptureStatus string

const (
	CapturePending  CaptureStatus = "PENDING"  // Captured but not yet analyzed
	CaptureAnalyzed CaptureStatus = "ANALYZED" // Analysis completed, safe to prune
	CaptureFailed   CaptureStatus = "FAILED"   // Analysis failed, kept for a manual retry
)

// AnalysisRecord is a row in the 'analyses' table. ID is the pipeline session
// id; a retried session overwrites its earlier outcome.
type AnalysisRecord struct {
	ID         string
	UserID     string
	SourceName string
	MediaKind  string
	MediaURL   string
	ObjectKey  string
	JobID      string
	Status     AnalysisStatus
	ErrorKind  string
	Error      string
	Result     *job.Result
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ChatMessage is one question and answer about an analysis.
type ChatMessage struct {
	ID         int64
	AnalysisID string
	UserID     string
	Question   string
	Answer     string
	CreatedAt  time.Time
}

// CaptureRecord represents a row in the 'captures' table.
type CaptureRecord struct {
	ID         int64
	Path       string
	Size       int64
	ModTime    time.Time
	Status     CaptureStatus
	AnalysisID sql.NullString
	AnalyzedAt sql.NullTime
}

// Store wraps the SQL database connection.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The pipeline observer, the pruner and the CLI may write concurrently.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables and indexes if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_name TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		media_url TEXT,
		object_key TEXT,
		job_id TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		result_json TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_user_finished ON analyses(user_id, finished_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_analysis ON chat_messages(analysis_id, created_at);

	CREATE TABLE IF NOT EXISTS captures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		mod_time DATETIME NOT NULL,
		status TEXT NOT NULL,
		analysis_id TEXT,
		analyzed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_captures_status_mod_time ON captures(status, mod_time);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveAnalysis inserts or replaces the outcome of a session.
func (s *Store) SaveAnalysis(rec AnalysisRecord) error {
	var resultJSON sql.NullString
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
	INSERT INTO analyses (id, user_id, source_name, media_kind, media_url, object_key, job_id,
		status, error_kind, error, result_json, attempts, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		media_url = excluded.media_url,
		object_key = excluded.object_key,
		job_id = excluded.job_id,
		status = excluded.status,
		error_kind = excluded.error_kind,
		error = excluded.error,
		result_json = excluded.result_json,
		attempts = excluded.attempts,
		finished_at = excluded.finished_at;
	`
	_, err := s.db.Exec(query, rec.ID, rec.UserID, rec.SourceName, rec.MediaKind, rec.MediaURL,
		rec.ObjectKey, rec.JobID, rec.Status, rec.ErrorKind, rec.Error, resultJSON, rec.Attempts,
		rec.StartedAt, rec.FinishedAt)
	return err
}

const analysisColumns = `id, user_id, source_name, media_kind, media_url, object_key, job_id,
	status, error_kind, error, result_json, attempts, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (AnalysisRecord, error) {
	var rec AnalysisRecord
	var mediaURL, objectKey, jobID, errKind, errMsg, resultJSON sql.NullString
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SourceName, &rec.MediaKind, &mediaURL, &objectKey,
		&jobID, &rec.Status, &errKind, &errMsg, &resultJSON, &rec.Attempts, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return rec, err
	}
	rec.MediaURL = mediaURL.String
	rec.ObjectKey = objectKey.String
	rec.JobID = jobID.String
	rec.ErrorKind = errKind.String
	rec.Error = errMsg.String
	if resultJSON.Valid && resultJSON.String != "" {
		var r job.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return rec, fmt.Errorf("failed to decode result of %s: %w", rec.ID, err)
		}
		rec.Result = &r
	}
	return rec, nil
}

// GetAnalysis returns one session outcome.
func (s *Store) GetAnalysis(id string) (AnalysisRecord, error) {
	row := s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	rec, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// ListAnalyses returns the most recent session outcomes of userID, newest
// first. An empty userID lists every user.
func (s *Store) ListAnalyses(userID string, limit int) ([]AnalysisRecord, error) {
	query := `
	SELECT ` + analysisColumns + `
	FROM analyses
	WHERE (? = '' OR user_id = ?)
	ORDER BY finished_at DESC
	LIMIT ?
	`
	rows, err := s.db.Query(query, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddChatMessage stores one exchange.
func (s *Store) AddChatMessage(msg ChatMessage) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO chat_messages (analysis_id, user_id, question, answer, created_at)
	VALUES (?, ?, ?, ?, ?);
	`
	res, err := s.db.Exec(query, msg.AnalysisID, msg.UserID, msg.Question, msg.Answer, msg.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ChatHistory returns the last limit exchanges about an analysis, oldest
// first.
func (s *Store) ChatHistory(analysisID string, limit int) ([]ChatMessage, error) {
	query := `
	SELECT id, analysis_id, user_id, question, answer, created_at FROM (
		SELECT id, analysis_id, user_id, question, answer, created_at
		FROM chat_messages
		WHERE analysis_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	) ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(query, analysisID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.AnalysisID, &m.UserID, &m.Question, &m.Answer, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RegisterCapture inserts a capture file or, when it already exists, updates
// its size and mod time and resets it to PENDING so a changed file is
// analyzed again.
func (s *Store) RegisterCapture(path string, size int64, modTime time.Time) error {
	query := `
	INSERT INTO captures (path, size, mod_time, status)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		size = excluded.size,
		mod_time = excluded.mod_time,
		status = excluded.status,
		analysis_id = NULL,
		analyzed_at = NULL;
	`
	_, err := s.db.Exec(query, path, size, modTime, CapturePending)
	return err
}

// SaveCapture inserts or replaces a capture together with its outcome, for
// captures analyzed before they were tracked.
func (s *Store) SaveCapture(c CaptureRecord) error {
	query := `
	INSERT INTO captures (path, size, mod_time, status, analysis_id, analyzed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		size = excluded.size,
		mod_time = excluded.mod_time,
		status = excluded.status,
		analysis_id = excluded.analysis_id,
		analyzed_at = excluded.analyzed_at;
	`
	_, err := s.db.Exec(query, c.Path, c.Size, c.ModTime, c.Status, c.AnalysisID, c.AnalyzedAt)
	return err
}

// MarkCaptureAnalyzed links a capture to its finished analysis.
func (s *Store) MarkCaptureAnalyzed(path, analysisID string) error {
	return s.setCaptureStatus(path, CaptureAnalyzed, analysisID)
}

// MarkCaptureFailed records that the analysis of a capture failed.
func (s *Store) MarkCaptureFailed(path, analysisID string) error {
	return s.setCaptureStatus(path, CaptureFailed, analysisID)
}

func (s *Store) setCaptureStatus(path string, status CaptureStatus, analysisID string) error {
	query := `
	UPDATE captures
	SET status = ?, analysis_id = ?, analyzed_at = ?
	WHERE path = ?;
	`
	res, err := s.db.Exec(query, status, analysisID, time.Now(), path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTotalCaptureSize returns the sum of the size of all tracked captures.
func (s *Store) GetTotalCaptureSize() (int64, error) {
	query := `SELECT COALESCE(SUM(size), 0) FROM captures`
	var size int64
	err := s.db.QueryRow(query).Scan(&size)
	return size, err
}

// GetPruneCandidates returns captures that are safe to delete (analyzed),
// oldest first.
func (s *Store) GetPruneCandidates(limit int) ([]CaptureRecord, error) {
	return s.capturesByStatus(CaptureAnalyzed, limit)
}

// GetPendingCaptures returns captures waiting for analysis, oldest first.
func (s *Store) GetPendingCaptures(limit int) ([]CaptureRecord, error) {
	return s.capturesByStatus(CapturePending, limit)
}

func (s *Store) capturesByStatus(status CaptureStatus, limit int) ([]CaptureRecord, error) {
	query := `
	SELECT id, path, size, mod_time, status, analysis_id, analyzed_at
	FROM captures
	WHERE status = ?
	ORDER BY mod_time ASC
	LIMIT ?
	`
	rows, err := s.db.Query(query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		var c CaptureRecord
		if err := rows.Scan(&c.ID, &c.Path, &c.Size, &c.ModTime, &c.Status, &c.AnalysisID, &c.AnalyzedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCapture returns the record of one capture file.
func (s *Store) GetCapture(path string) (CaptureRecord, error) {
	query := `
	SELECT id, path, size, mod_time, status, analysis_id, analyzed_at
	FROM captures
	WHERE path = ?
	`
	var c CaptureRecord
	err := s.db.QueryRow(query, path).Scan(&c.ID, &c.Path, &c.Size, &c.ModTime, &c.Status, &c.AnalysisID, &c.AnalyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// RemoveCapture deletes a capture record.
func (s *Store) RemoveCapture(path string) error {
	_, err := s.db.Exec(`DELETE FROM captures WHERE path = ?`, path)
	return err
}
