package job

// Package job submits analysis requests for uploaded samples and follows the
// resulting remote job until it reaches a terminal state. Polling is bounded
// by a timeout; abandoning a job never cancels it on the backend.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// Backend is the analysis service transport. *api.Client implements it.
type Backend interface {
	SubmitAnalysis(ctx context.Context, req api.AnalysisRequest) (*api.AnalysisResponse, error)
	GetJob(ctx context.Context, jobID string) (*api.AnalysisResponse, error)
}

// Options tunes a Client.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration          // Ceiling for AwaitCompletion
	ClientInfo   map[string]interface{} // Sent with every submission
}

// Client submits and tracks analysis jobs.
type Client struct {
	backend      Backend
	auth         auth.Provider
	pollInterval time.Duration
	timeout      time.Duration
	clientInfo   map[string]interface{}
	logger       *slog.Logger
	now          func() time.Time
}

// NewClient creates a job client. Zero options use the defaults.
func NewClient(backend Backend, provider auth.Provider, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		backend:      backend,
		auth:         provider,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		clientInfo:   opts.ClientInfo,
		logger:       logger,
		now:          time.Now,
	}
}

// Timeout returns the AwaitCompletion ceiling.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// SubmitOption adjusts a submission request.
type SubmitOption func(*api.AnalysisRequest)

// WithSourceName records the name the sample had on this client.
func WithSourceName(name string) SubmitOption {
	return func(r *api.AnalysisRequest) {
		r.OriginalFilename = name
	}
}

// Submit asks the backend to analyze the object at locator. The returned job
// is either terminal (immediate result or failure) or carries a job id for
// AwaitCompletion. On failure the job is returned alongside the error with
// the failure recorded on it.
func (c *Client) Submit(ctx context.Context, locator string, kind media.Kind, opts ...SubmitOption) (Job, error) {
	j := Job{
		RemoteLocator: locator,
		Kind:          kind,
		Status:        api.JobStatusPending,
		SubmittedAt:   c.now(),
	}

	user, ok := c.auth.CurrentUser()
	if !ok {
		err := failure.New(failure.KindNotAuthenticated, "sign in to submit a sample for analysis")
		j.fail(err, c.now())
		return j, err
	}

	req := api.AnalysisRequest{
		MediaURL:  locator,
		FileName:  objectName(locator),
		UserID:    user.ID,
		MediaType: string(kind),
		Client:    c.clientInfo,
	}
	for _, opt := range opts {
		opt(&req)
	}
	if req.OriginalFilename == "" {
		req.OriginalFilename = req.FileName
	}

	resp, err := c.backend.SubmitAnalysis(ctx, req)
	if err != nil {
		err = classifySubmitError(ctx, err)
		c.logger.Error("Analysis submission failed", "locator", locator, "error", err)
		j.fail(err, c.now())
		return j, err
	}

	j.ID = resp.JobID
	c.apply(&j, resp)
	if !j.Terminal() && j.ID == "" {
		err := failure.New(failure.KindRemoteError, "analysis backend returned neither a result nor a job id")
		j.fail(err, c.now())
		return j, err
	}

	c.logger.Info("Analysis submitted", "job_id", j.ID, "status", j.Status, "immediate", j.Succeeded())
	return j, j.Err()
}

// AwaitCompletion polls until j is terminal, the client timeout elapses, or
// ctx is done. onStage, if set, receives a copy of the job every time its
// status or stage label changes. Parent cancellation yields Canceled; the
// timeout yields RemoteTimeout. The remote job is never cancelled.
func (c *Client) AwaitCompletion(ctx context.Context, j Job, onStage func(Job)) (Job, error) {
	if j.Terminal() {
		return j.Clone(), j.Err()
	}
	if j.ID == "" {
		err := failure.New(failure.KindRemoteError, "job has no id to poll")
		j.fail(err, c.now())
		return j, err
	}

	log := c.logger.With("job_id", j.ID)
	pollCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.backend.GetJob(pollCtx, j.ID)
		switch {
		case err == nil:
			prevStatus, prevStage := j.Status, j.Stage
			c.apply(&j, resp)
			if j.Terminal() {
				c.logFinished(log, j)
				return j, j.Err()
			}
			if onStage != nil && (j.Status != prevStatus || j.Stage != prevStage) {
				onStage(j.Clone())
			}
		case pollCtx.Err() != nil:
			// Handled by the select below.
		default:
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.Rejected() {
				err = failure.Wrap(failure.KindRemoteError, err, "analysis job lookup failed: "+apiErr.Message)
				j.fail(err, c.now())
				log.Error("Job polling rejected", "error", err)
				return j, err
			}
			log.Warn("Job poll failed, retrying", "error", err)
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
		}
		if pollCtx.Err() == nil {
			continue
		}

		if ctx.Err() != nil {
			err = failure.Wrap(failure.KindCanceled, ctx.Err(), "waiting for analysis canceled")
			log.Info("Stopped waiting for analysis job")
		} else {
			err = failure.Newf(failure.KindRemoteTimeout, "analysis did not finish within %s", c.timeout)
			log.Warn("Analysis job timed out", "timeout", c.timeout)
		}
		j.fail(err, c.now())
		return j, err
	}
}

// logFinished reports a terminal job. Jobs picked up without a submission
// time carry no duration.
func (c *Client) logFinished(log *slog.Logger, j Job) {
	if j.SubmittedAt.IsZero() {
		log.Info("Analysis job finished", "status", j.Status)
		return
	}
	log.Info("Analysis job finished", "status", j.Status, "duration", j.FinishedAt.Sub(j.SubmittedAt))
}

// apply folds a backend response into j. A completed status without a result
// is not terminal.
func (c *Client) apply(j *Job, resp *api.AnalysisResponse) {
	if resp.Stage != "" {
		j.Stage = resp.Stage
	}
	switch resp.Status {
	case api.JobStatusCompleted:
		if resp.Result != nil {
			j.succeed(resp.Result, c.now())
			return
		}
	case api.JobStatusFailed:
		reason := resp.Error
		if reason == "" {
			reason = "analysis failed"
		}
		j.fail(failure.New(failure.KindRemoteError, reason), c.now())
		return
	}
	if resp.Status != "" && resp.Status != api.JobStatusCompleted {
		j.Status = resp.Status
	}
}

func classifySubmitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.KindCanceled, err, "analysis submission canceled")
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Rejected() {
			return failure.Wrap(failure.KindSubmissionRejected, err, "analysis request rejected: "+apiErr.Message)
		}
		return failure.Wrap(failure.KindRemoteError, err, "analysis backend error: "+apiErr.Message)
	}
	return failure.Wrap(failure.KindRemoteError, err, fmt.Sprintf("could not reach analysis backend: %v", err))
}

// objectName extracts the stored object's name from its locator.
func objectName(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Path == "" {
		return path.Base(locator)
	}
	return path.Base(u.Path)
}
