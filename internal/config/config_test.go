package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Endpoint != DefaultEndpoint {
		t.Errorf("Expected default endpoint, got %s", cfg.Endpoint)
	}
	if cfg.Storage.Bucket != DefaultStorageBucket {
		t.Errorf("Expected default bucket, got %s", cfg.Storage.Bucket)
	}
	if cfg.DBPath != filepath.Join(tmpDir, "mscope.db") {
		t.Errorf("Expected db next to config, got %s", cfg.DBPath)
	}
	if len(cfg.Capture.VideoCommand) == 0 {
		t.Error("Expected a default video command")
	}
	if Duration(cfg.Job.Timeout, 0) != 5*time.Minute {
		t.Errorf("Expected 5m job timeout, got %s", cfg.Job.Timeout)
	}
}

func TestSaveLoadRoundTripAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.UserID = "user-42"
	cfg.AuthToken = "secret"
	cfg.Storage.Backend = "s3"
	cfg.WatchPath = "drop"
	if err := Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("MSCOPE_JOB_TIMEOUT", "2m")
	t.Setenv("MSCOPE_STORAGE_BUCKET", "override-bucket")

	loaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if loaded.UserID != "user-42" || loaded.AuthToken != "secret" {
		t.Errorf("Identity not persisted: %+v", loaded)
	}
	if !loaded.Storage.UsesS3() {
		t.Error("Expected s3 backend")
	}
	if loaded.Job.Timeout != "2m" {
		t.Errorf("Expected env override for job timeout, got %s", loaded.Job.Timeout)
	}
	if loaded.Storage.Bucket != "override-bucket" {
		t.Errorf("Expected env override for bucket, got %s", loaded.Storage.Bucket)
	}
	if loaded.WatchPath != filepath.Join(tmpDir, "drop") {
		t.Errorf("Expected relative watch path resolved, got %s", loaded.WatchPath)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Expected error for malformed config")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %s", got)
	}
	if got := Duration("soon", time.Second); got != time.Second {
		t.Errorf("Expected fallback, got %s", got)
	}
}
