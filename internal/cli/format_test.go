package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatSessionsEmpty(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	if err := f.FormatSessions(nil); err != nil {
		t.Fatalf("FormatSessions: %v", err)
	}
	if !strings.Contains(buf.String(), "No live sessions") {
		t.Errorf("output = %q, want a no-sessions message", buf.String())
	}
}

func TestFormatSessionsMerge(t *testing.T) {
	events := []SessionEvent{
		{Type: "session.created", ID: "c1", Source: "polkit"},
		{Type: "session.updated", ID: "c1", State: "prompting", Prompt: "Password:"},
	}
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	if err := f.FormatSessions(events); err != nil {
		t.Fatalf("FormatSessions: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "c1") || !strings.Contains(out, "polkit") || !strings.Contains(out, "Password:") {
		t.Errorf("output missing merged fields: %q", out)
	}
}

func TestFormatResultError(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	if err := f.FormatResult([]byte(`{"type":"error","message":"Not active UI provider"}`)); err != nil {
		t.Fatalf("FormatResult: %v", err)
	}
	if !strings.Contains(buf.String(), "Not active UI provider") {
		t.Errorf("output = %q, want the error message", buf.String())
	}
}

func TestFormatResultOK(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	if err := f.FormatResult([]byte(`{"type":"ok"}`)); err != nil {
		t.Fatalf("FormatResult: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "ok" {
		t.Errorf("output = %q, want ok", buf.String())
	}
}
