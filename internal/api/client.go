package api

// Package api is the HTTP client for the analysis backend: sample analysis
// submission, job polling and device pairing. Requests and responses are
// JSON; failures carry an {"error": "..."} body with a non-2xx status.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the HTTP client wrapper for communicating with the analysis backend.
type Client struct {
	BaseURL    string       // The root URL of the API
	Token      string       // Bearer token issued at pairing, may be empty
	HTTPClient *http.Client // underlying http.Client with timeouts configured
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend responded with status %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether the backend refused the request itself (4xx) as
// opposed to failing while handling it.
func (e *APIError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// NewClient creates a new API client with configured timeouts and connection pooling.
func NewClient(baseURL, timeoutStr, token string) *Client {
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		timeout = 30 * time.Second
	}

	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, accept ...int) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return resp.StatusCode, decodeAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er ErrorResponse
	msg := strings.TrimSpace(string(respBody))
	if err := json.Unmarshal(respBody, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// SubmitAnalysis sends an analysis request. A 200 carries an immediate
// result, a 202 carries a job id to poll.
func (c *Client) SubmitAnalysis(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error) {
	var out AnalysisResponse
	code, err := c.do(ctx, http.MethodPost, "/v1/analysis", req, &out, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if out.Status == "" {
		if code == http.StatusAccepted || out.Result == nil {
			out.Status = JobStatusPending
		} else {
			out.Status = JobStatusCompleted
		}
	}
	return &out, nil
}

// GetJob fetches the current state of an analysis job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*AnalysisResponse, error) {
	var out AnalysisResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/analysis/jobs/"+url.PathEscape(jobID), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return &out, nil
}

// RequestPairingCode requests a new pairing code for the device.
func (c *Client) RequestPairingCode(ctx context.Context, deviceID string) (*PairingResponse, error) {
	var out PairingResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/pairing/request", PairingRequest{DeviceID: deviceID}, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("pairing request failed: %w", err)
	}
	return &out, nil
}

// CheckPairingStatus checks if the device has been claimed.
func (c *Client) CheckPairingStatus(ctx context.Context, deviceID, code string) (*PairingStatusResponse, error) {
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("code", code)

	var out PairingStatusResponse
	status, err := c.do(ctx, http.MethodGet, "/v1/pairing/status?"+q.Encode(), nil, &out, http.StatusOK)
	if err != nil {
		// Some deployments signal the logical states with status codes.
		switch status {
		case http.StatusNotFound:
			return &PairingStatusResponse{Status: PairingStatusExpired}, nil
		case http.StatusAccepted:
			return &PairingStatusResponse{Status: PairingStatusWaiting}, nil
		}
		return nil, fmt.Errorf("check pairing status failed: %w", err)
	}
	return &out, nil
}
