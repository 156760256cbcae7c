package fallback

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func logCollector() (func(string, ...any), func() []string) {
	var mu sync.Mutex
	var lines []string
	logf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	}
	get := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(lines))
		copy(out, lines)
		return out
	}
	return logf, get
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLaunchUsesExplicitUIPath(t *testing.T) {
	dir := t.TempDir()
	ui := filepath.Join(dir, "custom-ui")
	writeExecutable(t, ui)

	logf, lines := logCollector()
	l := New(filepath.Join(dir, "sock"), ui, dir, time.Hour, logf)
	l.Launch()

	for _, line := range lines() {
		if contains(line, "no UI executable found") {
			t.Errorf("unexpected resolution failure log: %s", line)
		}
	}
}

func TestLaunchSkipsWhenAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	ui := filepath.Join(dir, "custom-ui")
	writeExecutable(t, ui)

	if err := os.WriteFile(filepath.Join(dir, "fallback-ui.pid"), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatalf("WriteFile pidfile: %v", err)
	}

	logf, lines := logCollector()
	l := New(filepath.Join(dir, "sock"), ui, dir, time.Hour, logf)
	l.Launch()

	found := false
	for _, line := range lines() {
		if contains(line, "already running") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an already-running log line, got %v", lines())
	}
}

func TestLaunchRespectsCooldown(t *testing.T) {
	dir := t.TempDir()
	ui := filepath.Join(dir, "custom-ui")
	writeExecutable(t, ui)

	logf, lines := logCollector()
	l := New(filepath.Join(dir, "sock"), ui, dir, time.Hour, logf)
	l.Launch()
	first := len(lines())

	l.Launch()
	if len(lines()) != first {
		t.Errorf("second Launch within cooldown logged %d new lines, want 0", len(lines())-first)
	}
}

func TestResolveFallsBackToMissingExecutableError(t *testing.T) {
	dir := t.TempDir()
	logf, lines := logCollector()
	l := New(filepath.Join(dir, "sock"), filepath.Join(dir, "does-not-exist"), dir, time.Hour, logf)
	l.Launch()

	found := false
	for _, line := range lines() {
		if contains(line, "no UI executable found") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a resolution-failure log line, got %v", lines())
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
