package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitAnalysis(t *testing.T) {
	var got AnalysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analysis" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job_id":"job-7"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "5s", "tok")
	resp, err := c.SubmitAnalysis(context.Background(), AnalysisRequest{
		MediaURL:  "https://storage/x.webm",
		UserID:    "user-1",
		MediaType: "video",
	})
	if err != nil {
		t.Fatalf("SubmitAnalysis failed: %v", err)
	}
	if resp.JobID != "job-7" || resp.Status != JobStatusPending {
		t.Errorf("Unexpected response %+v", resp)
	}
	if got.MediaURL != "https://storage/x.webm" || got.MediaType != "video" {
		t.Errorf("Unexpected request body %+v", got)
	}
}

func TestSubmitAnalysisImmediateResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"id":"a-1","sperm_count":42.5,"motility":{"progressive":40}}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "5s", "").SubmitAnalysis(context.Background(), AnalysisRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != JobStatusCompleted || resp.Result == nil || resp.Result.SpermCount != 42.5 {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestStructuredErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"media_url is not reachable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "5s", "").SubmitAnalysis(context.Background(), AnalysisRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Message != "media_url is not reachable" || !apiErr.Rejected() {
		t.Errorf("Unexpected error %+v", apiErr)
	}
}

func TestCheckPairingStatusLogicalCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") == "OLD" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"CLAIMED","apikey":"k","user_id":"u-9"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "5s", "")

	resp, err := c.CheckPairingStatus(context.Background(), "dev", "OLD")
	if err != nil || resp.Status != PairingStatusExpired {
		t.Errorf("Expected expired, got %+v, %v", resp, err)
	}

	resp, err = c.CheckPairingStatus(context.Background(), "dev", "NEW")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != PairingStatusClaimed || resp.UserID == nil || *resp.UserID != "u-9" {
		t.Errorf("Unexpected claim response %+v", resp)
	}
}

func TestResultCloneIsDeep(t *testing.T) {
	orig := &AnalysisResult{
		Motility: map[string]interface{}{"progressive": 40.0, "detail": map[string]interface{}{"a": 1.0}},
	}
	c := orig.Clone()
	c.Motility["progressive"] = 0.0
	c.Motility["detail"].(map[string]interface{})["a"] = 2.0

	if orig.Motility["progressive"] != 40.0 {
		t.Error("Clone shares top-level map")
	}
	if orig.Motility["detail"].(map[string]interface{})["a"] != 1.0 {
		t.Error("Clone shares nested map")
	}
}
