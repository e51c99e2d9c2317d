package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"leora.app/internal/auth"
	"leora.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithIdentity(ctx, auth.Identity{ID: "user-42", TenantID: "ten_1"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["tenant_id"] != "ten_1" {
		t.Fatalf("unexpected identity fields: %v %v", entry["user_id"], entry["tenant_id"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing timestamp")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

func TestMaskIdentifier(t *testing.T) {
	a := MaskIdentifier("user@x.com")
	if a != MaskIdentifier("user@x.com") {
		t.Fatal("mask must be stable")
	}
	if !strings.HasPrefix(a, "hash:") || len(a) != len("hash:")+12 {
		t.Fatalf("unexpected mask: %s", a)
	}
	if strings.Contains(a, "user") {
		t.Fatal("mask leaks identifier")
	}
}
