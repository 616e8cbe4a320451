package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "update-server", "warn")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "update-server" || entry["message"] != "shown" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New(nil, "", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLogRequest(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "info"},
		{404, "warn"},
		{502, "error"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger, _ := New(&buf, "", "")
		ctx := WithRequestID(context.Background(), "req-1")

		LogRequest(logger, ctx, "GET", "/ping", tt.status, 4, time.Millisecond)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if entry["level"] != tt.level || entry["request_id"] != "req-1" {
			t.Errorf("status %d: entry = %v", tt.status, entry)
		}
	}
}
