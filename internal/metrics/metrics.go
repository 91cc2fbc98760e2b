package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microscopy-analyzer/internal/pipeline"
	"microscopy-analyzer/internal/upload"
)

// Observer turns pipeline notifications into Prometheus metrics.
type Observer struct {
	PhaseTransitions *prometheus.CounterVec
	Sessions         *prometheus.CounterVec
	UploadedBytes    prometheus.Counter
	JobDuration      prometheus.Histogram
	ActiveSessions   prometheus.Gauge

	gatherer prometheus.Gatherer

	mu            sync.Mutex
	lastPhase     pipeline.Phase
	countedTicket string
	timedAttempt  string
}

// NewObserver creates the collectors and registers them with reg. A nil reg
// uses the default registry.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		PhaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mscope_phase_transitions_total",
				Help: "Total number of session phase changes, by phase entered",
			},
			[]string{"phase"},
		),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mscope_sessions_total",
				Help: "Total number of finished sessions",
			},
			[]string{"outcome", "error_kind"},
		),
		UploadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mscope_uploaded_bytes_total",
				Help: "Bytes of samples uploaded to object storage",
			},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mscope_job_duration_seconds",
				Help:    "Time from job submission to its outcome",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mscope_active_sessions",
				Help: "1 while an upload or analysis is in flight",
			},
		),
		lastPhase: pipeline.PhaseIdle,
	}

	reg.MustRegister(o.PhaseTransitions, o.Sessions, o.UploadedBytes, o.JobDuration, o.ActiveSessions)

	if g, ok := reg.(prometheus.Gatherer); ok {
		o.gatherer = g
	} else {
		o.gatherer = prometheus.DefaultGatherer
	}
	return o
}

// Observe implements pipeline.Observer.
func (o *Observer) Observe(s pipeline.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s.Phase != o.lastPhase {
		o.PhaseTransitions.WithLabelValues(string(s.Phase)).Inc()
		if s.Phase.Terminal() {
			o.Sessions.WithLabelValues(string(s.Phase), string(s.ErrorKind)).Inc()
		}
		o.lastPhase = s.Phase
	}

	if s.Phase.Active() {
		o.ActiveSessions.Set(1)
	} else {
		o.ActiveSessions.Set(0)
	}

	if t := s.Ticket; t != nil && t.State == upload.StateSucceeded && t.ID != o.countedTicket && s.Asset != nil {
		o.UploadedBytes.Add(float64(s.Asset.ByteSize))
		o.countedTicket = t.ID
	}

	if j := s.Job; j != nil && j.Terminal() && !j.SubmittedAt.IsZero() && !j.FinishedAt.IsZero() {
		attempt := fmt.Sprintf("%s/%d", s.SessionID, s.Attempt)
		if attempt != o.timedAttempt {
			o.JobDuration.Observe(j.FinishedAt.Sub(j.SubmittedAt).Seconds())
			o.timedAttempt = attempt
		}
	}
}

// Handler serves the registry the observer was registered with.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}
