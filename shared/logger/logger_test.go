package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func captureEntry(t *testing.T, logFn func(*Logger)) LogEntry {
	t.Helper()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	logFn(New("test-component"))

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		t.Fatalf("no JSON found in log output: %q", output)
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\noutput: %s", err, output)
	}
	return entry
}

func TestNew(t *testing.T) {
	t.Setenv("INSTANCE_ID", "instance-123")

	l := New("gateway")
	if l.Component != "gateway" {
		t.Errorf("expected component gateway, got %s", l.Component)
	}
	if l.InstanceID != "instance-123" {
		t.Errorf("expected instance ID instance-123, got %s", l.InstanceID)
	}
	if l.Container == "" {
		t.Error("expected container to be set from hostname")
	}
}

func TestNewWithoutInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")

	l := New("gateway")
	if l.InstanceID != "unknown" {
		t.Errorf("expected instance ID unknown, got %s", l.InstanceID)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{"Info", (*Logger).Info, INFO},
		{"Error", (*Logger).Error, ERROR},
		{"Warn", (*Logger).Warn, WARN},
		{"Debug", (*Logger).Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := captureEntry(t, func(l *Logger) {
				tt.logFunc(l, "agent-1", "req-42", "test message", map[string]interface{}{"key": "value"})
			})

			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.AgentID != "agent-1" {
				t.Errorf("expected agent ID agent-1, got %s", entry.AgentID)
			}
			if entry.RequestID != "req-42" {
				t.Errorf("expected request ID req-42, got %s", entry.RequestID)
			}
			if entry.Message != "test message" {
				t.Errorf("expected message 'test message', got %q", entry.Message)
			}
			if entry.Fields["key"] != "value" {
				t.Errorf("expected field key=value, got %v", entry.Fields["key"])
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("invalid timestamp format: %s", entry.Timestamp)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.InfoWithDuration("agent-1", "req-42", "query completed", 123.45, map[string]interface{}{
			"endpoint": "/api/query",
		})
	})

	if entry.Fields["duration_ms"] != 123.45 {
		t.Errorf("expected duration_ms 123.45, got %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["endpoint"] != "/api/query" {
		t.Errorf("expected endpoint /api/query, got %v", entry.Fields["endpoint"])
	}
	if entry.Level != INFO {
		t.Errorf("expected INFO level, got %s", entry.Level)
	}
}

func TestErrorWithStage(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.ErrorWithStage("agent-1", "req-42", "conversion failed", "sql_generation",
			errors.New("all providers failed"), nil)
	})

	if entry.Level != ERROR {
		t.Errorf("expected ERROR level, got %s", entry.Level)
	}
	if entry.Fields["stage"] != "sql_generation" {
		t.Errorf("expected stage sql_generation, got %v", entry.Fields["stage"])
	}
	if entry.Fields["error"] != "all providers failed" {
		t.Errorf("expected error field, got %v", entry.Fields["error"])
	}
}

func TestErrorWithStageNilError(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.ErrorWithStage("agent-1", "req-42", "failed", "validation", nil, nil)
	})

	if _, ok := entry.Fields["error"]; ok {
		t.Error("expected no error field for nil error")
	}
}

func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	// Channels cannot be marshaled to JSON.
	New("test-component").Info("agent-1", "req-42", "test", map[string]interface{}{
		"channel": make(chan int),
	})

	if !strings.Contains(buf.String(), "Failed to marshal log entry") {
		t.Error("expected marshal failure message")
	}
}

func BenchmarkLog(b *testing.B) {
	logger := New("benchmark-component")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fields := map[string]interface{}{
		"action":    "query",
		"duration":  45.67,
		"success":   true,
		"row_count": 150,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("agent-1", "req-42", "processing query", fields)
	}
}
