package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "shown" {
		t.Fatalf("lines = %v, want only the warning", lines)
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello", "session_key", "main")
	if !strings.Contains(buf.String(), "session_key=main") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info("connecting with api_key=abcdefghijklmnopqrstuvwxyz",
		"token", "super-secret-value",
		"dsn", "postgres://user:pw@db/turnstile",
		"header", "Bearer abcdefghijklmnopqrstuvwxyz0123",
		"err", errors.New("password=hunter2hunter2"),
		"depth", 3,
	)

	out := buf.String()
	for _, secret := range []string{"abcdefghijklmnopqrstuvwxyz", "super-secret-value", "user:pw", "hunter2hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaks %q: %s", secret, out)
		}
	}
	line := decodeLines(t, &buf)[0]
	if line["token"] != "[REDACTED]" {
		t.Errorf("token = %v", line["token"])
	}
	if line["depth"] != float64(3) {
		t.Errorf("depth = %v, want untouched", line["depth"])
	}
}

func TestRedactionInGroupsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("secret", "abc12345678")
	logger.Info("grouped", slog.Group("store", slog.String("password", "p4ssw0rd!"), slog.String("driver", "sqlite")))

	out := buf.String()
	if strings.Contains(out, "abc12345678") || strings.Contains(out, "p4ssw0rd!") {
		t.Fatalf("log output leaks secrets: %s", out)
	}
	if !strings.Contains(out, `"driver":"sqlite"`) {
		t.Fatalf("non-sensitive group attr missing: %s", out)
	}
}

func TestCustomRedactPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`acct-\d+`, `(`}})
	logger.Info("charging acct-12345")
	if strings.Contains(buf.String(), "acct-12345") {
		t.Fatalf("custom pattern not applied: %s", buf.String())
	}
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithSessionKey(context.Background(), "agent:main:main")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithChannel(ctx, "slack")
	logger.InfoContext(ctx, "turn started")

	line := decodeLines(t, &buf)[0]
	want := map[string]string{"session_key": "agent:main:main", "turn_id": "turn-1", "channel": "slack"}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %q", k, line[k], v)
		}
	}
}
