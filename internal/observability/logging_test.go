package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsAPIKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "saving credentials",
		"detail", "apikey=sk-abcdefghij1234567890abcd")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghij1234567890abcd") {
		t.Fatalf("API key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddUserID(ctx, "user-7")
	logger.Info(ctx, "connection requested")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Fatalf("missing request_id, got %v", record)
	}
	if record["user_id"] != "user-7" {
		t.Fatalf("missing user_id, got %v", record)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info(context.Background(), "should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted at warn level: %s", buf.String())
	}

	logger.Warn(context.Background(), "should appear")
	if buf.Len() == 0 {
		t.Fatal("warn record missing at warn level")
	}
}

func TestGetUserID(t *testing.T) {
	if GetUserID(context.Background()) != "" {
		t.Fatal("expected empty user id on bare context")
	}
	ctx := AddUserID(context.Background(), "user-1")
	if GetUserID(ctx) != "user-1" {
		t.Fatal("user id round trip failed")
	}
}
