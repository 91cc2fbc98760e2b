package api

import (
	"time"
)

// AnalysisRequest asks the backend to analyze an uploaded sample.
type AnalysisRequest struct {
	MediaURL         string                 `json:"media_url"`         // Locator returned by object storage
	FileName         string                 `json:"file_name"`         // Object name in storage
	OriginalFilename string                 `json:"original_filename"` // Name the sample had on the client
	UserID           string                 `json:"user_id"`           // Requester
	MediaType        string                 `json:"media_type"`        // "photo" or "video"
	Client           map[string]interface{} `json:"client,omitempty"`  // Host details of the submitting client
}

// JobStatus is the backend's view of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AnalysisResponse is returned both by the submission endpoint and by job
// polling. An immediate result comes back with Status completed and Result
// set; a queued job comes back with only JobID.
type AnalysisResponse struct {
	JobID  string          `json:"job_id"`
	Status JobStatus       `json:"status"`
	Stage  string          `json:"stage,omitempty"` // Human readable progress label
	Result *AnalysisResult `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AnalysisResult is the backend's metrics record for one sample. The client
// treats the values as opaque data for display and chat context.
type AnalysisResult struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id,omitempty"`
	Filename         string                 `json:"filename,omitempty"`
	OriginalFilename string                 `json:"original_filename,omitempty"`
	MediaURL         string                 `json:"video_url,omitempty"`
	MediaDuration    float64                `json:"video_duration"`
	FramesAnalyzed   int                    `json:"frames_analyzed"`
	ProcessingTime   float64                `json:"processing_time"`
	SpermCount       float64                `json:"sperm_count"`
	Concentration    float64                `json:"concentration"`
	SpeedAvg         float64                `json:"speed_avg"`
	Motility         map[string]interface{} `json:"motility,omitempty"`
	Morphology       map[string]interface{} `json:"morphology,omitempty"`
	Vitality         float64                `json:"vitality"`
	Volume           float64                `json:"volume"`
	PH               float64                `json:"ph"`
	BackendJobID     string                 `json:"backend_job_id,omitempty"`
	Status           string                 `json:"status,omitempty"`
	CreatedAt        *time.Time             `json:"created_at,omitempty"`
}

// Clone returns a deep copy so snapshots never share maps with the writer.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Motility = cloneMap(r.Motility)
	c.Morphology = cloneMap(r.Morphology)
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		c.CreatedAt = &t
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ErrorResponse is the structured error body the backend sends with non-2xx
// statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PairingRequest represents the payload to request a pairing code.
type PairingRequest struct {
	DeviceID string `json:"device_id"` // The device's unique hardware identifier
}

// PairingResponse represents the response containing the pairing code.
type PairingResponse struct {
	Code      string    `json:"code"`       // The short code for the user to enter
	ExpiresAt time.Time `json:"expires_at"` // When the code expires
}

// PairingStatus defines the status of the pairing process.
type PairingStatus string

const (
	PairingStatusWaiting PairingStatus = "WAITING"
	PairingStatusClaimed PairingStatus = "CLAIMED"
	PairingStatusExpired PairingStatus = "EXPIRED"
)

// PairingStatusResponse represents the response from the pairing status check.
// A claimed device receives the account it now belongs to.
type PairingStatusResponse struct {
	Status PairingStatus `json:"status"`
	APIKey *string       `json:"apikey"`
	UserID *string       `json:"user_id"`
	Email  *string       `json:"email"`
}
