package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pongarena/broker/internal/config"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel).With(String("room_id", "PABCDE"))

	logger.Debug("hidden")
	logger.Info("seat claimed", String("seat", "left"), Int("players", 1), Error(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug record to be filtered, got %d lines", len(lines))
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["service"] != ServiceName || record["room_id"] != "PABCDE" || record["seat"] != "left" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record["level"] != "info" || record["message"] != "seat claimed" || record["error"] != "boom" {
		t.Fatalf("unexpected record envelope: %+v", record)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if level, err := ParseLevel("WARNING"); err != nil || level != WarnLevel {
		t.Fatalf("expected warn level, got %v %v", level, err)
	}
}

func TestFatalInvokesExit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel)
	code := -1
	logger.exit = func(c int) { code = c }
	logger.Fatal("registry not initialised")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestHTTPTraceMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "trace-123" || rr.Header().Get(TraceIDHeader) != "trace-123" {
		t.Fatalf("expected inbound trace id to propagate, got ctx=%q header=%q", seen, rr.Header().Get(TraceIDHeader))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	if generated := rr.Header().Get(TraceIDHeader); len(generated) != 32 {
		t.Fatalf("expected generated 32 character trace id, got %q", generated)
	}
}

func TestNewRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pong.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	chunk := bytes.Repeat([]byte("x"), 700*1024)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected live file plus one rotated generation, got %d", len(entries))
	}
}
