package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevelSelection(t *testing.T) {
	cases := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true}, // unknown falls back to info
		{"warn", false, false},
		{"error", false, false},
	}
	for _, tc := range cases {
		logger := New(tc.level, "text")
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelInfo); got != tc.infoEnabled {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoEnabled)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("request ID on a bare context = %q, want empty", id)
	}

	ctx = WithRequestID(ctx, "req-settle-1")
	if id := RequestID(ctx); id != "req-settle-1" {
		t.Errorf("request ID = %q, want req-settle-1", id)
	}

	// A nested middleware overwrites, it never appends.
	ctx = WithRequestID(ctx, "req-settle-2")
	if id := RequestID(ctx); id != "req-settle-2" {
		t.Errorf("request ID = %q, want req-settle-2", id)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger on a bare context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("context logger not returned")
	}
}

func TestLTagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-payout-9")

	L(ctx).Info("withdrawal paid")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-payout-9" {
		t.Errorf("request_id = %v, want req-payout-9", line["request_id"])
	}
	if line["msg"] != "withdrawal paid" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestLWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	L(WithLogger(context.Background(), base)).Info("sweep done")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := line["request_id"]; ok {
		t.Error("request_id attached without one in context")
	}
}
