package sysinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestCollect(t *testing.T) {
	data, err := Collect(t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if data["go_version"] != runtime.Version() {
		t.Errorf("Expected go_version %s, got %v", runtime.Version(), data["go_version"])
	}
	if data["app_version"] != Version {
		t.Errorf("Expected app_version %s, got %v", Version, data["app_version"])
	}
	if data["os"] != runtime.GOOS {
		t.Errorf("Expected os %s, got %v", runtime.GOOS, data["os"])
	}
}

func TestFormatSortsKeys(t *testing.T) {
	out := Format(map[string]interface{}{"os": "linux", "arch": "arm64"})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "arch:") || !strings.HasSuffix(lines[0], "arm64") {
		t.Errorf("Unexpected first line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "os:") {
		t.Errorf("Unexpected second line %q", lines[1])
	}
}
