package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"sifworks.org/internal/auth"
	"sifworks.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithSessionToken(ctx, "01HZX0SESSIONTOKEN42")

	if err := LogEvent(ctx, "job.created", map[string]any{"job_id": "abc"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "job.created" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "session" || entry["session"] != "01HZ****EN42" {
		t.Fatalf("unexpected actor: %v %v", entry["actor"], entry["session"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["job_id"] != "abc" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventSystemActor(t *testing.T) {
	buf := captureLog(t)

	if err := LogEvent(context.Background(), "job.timed_out", nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["actor"] != "system" {
		t.Fatalf("expected system actor, got %v", entry["actor"])
	}
	if _, ok := entry["session"]; ok {
		t.Fatal("unexpected session field")
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}
