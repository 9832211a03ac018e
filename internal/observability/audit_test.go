package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ==================== AuditConfig Tests ====================

func TestDefaultAuditConfig(t *testing.T) {
	cfg := DefaultAuditConfig()
	if !cfg.Enabled {
		t.Fatal("expected enabled by default")
	}
	if cfg.OutputPath != "stdout" {
		t.Fatalf("expected stdout, got %s", cfg.OutputPath)
	}
}

// ==================== AuditLogger Tests ====================

func TestAuditLogger_New_Stdout(t *testing.T) {
	l, err := NewAuditLogger(&AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestAuditLogger_New_File(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	l, err := NewAuditLogger(&AuditConfig{
		Enabled:    true,
		OutputPath: logPath,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("expected log file to be created")
	}
}

func TestAuditLogger_New_NilConfig(t *testing.T) {
	l, err := NewAuditLogger(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil {
		t.Fatal("expected non-nil logger with default config")
	}
}

func TestAuditLogger_Log_Disabled(t *testing.T) {
	var buf bytes.Buffer
	l := &AuditLogger{
		writer:  &buf,
		enabled: false,
	}

	err := l.Log(&AuditEvent{EventType: AuditEventQuery})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() > 0 {
		t.Fatal("expected no output when disabled")
	}
}

func TestAuditLogger_Log_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := &AuditLogger{
		writer:    &buf,
		sessionID: "test-session",
		enabled:   true,
	}

	err := l.Log(&AuditEvent{
		EventType: AuditEventQuery,
		OwnerID:   "u1",
		Success:   true,
		Message:   "test message",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var event AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if event.EventType != AuditEventQuery {
		t.Fatalf("expected query.process, got %s", event.EventType)
	}
	if event.SessionID != "test-session" {
		t.Fatalf("expected session filled in, got %s", event.SessionID)
	}
	if event.OwnerID != "u1" {
		t.Fatalf("expected owner u1, got %s", event.OwnerID)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestAuditLogger_Log_PreservesExplicitFields(t *testing.T) {
	var buf bytes.Buffer
	l := &AuditLogger{
		writer:    &buf,
		sessionID: "default-session",
		enabled:   true,
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Log(&AuditEvent{
		EventType: AuditEventChat,
		SessionID: "explicit-session",
		Timestamp: ts,
	})

	var event AuditEvent
	json.Unmarshal(buf.Bytes(), &event)
	if event.SessionID != "explicit-session" {
		t.Fatalf("explicit session overwritten: %s", event.SessionID)
	}
	if !event.Timestamp.Equal(ts) {
		t.Fatalf("explicit timestamp overwritten: %v", event.Timestamp)
	}
}

// ==================== Event helper tests ====================

func auditBuffer() (*AuditLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &AuditLogger{writer: &buf, sessionID: "s", enabled: true}, &buf
}

func parseEvent(t *testing.T, buf *bytes.Buffer) AuditEvent {
	t.Helper()
	var event AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	return event
}

func TestLogQuery(t *testing.T) {
	l, buf := auditBuffer()
	l.LogQuery(context.Background(), "u1", 2, 3, true, 150*time.Millisecond)

	event := parseEvent(t, buf)
	if event.EventType != AuditEventQuery {
		t.Fatalf("expected query.process, got %s", event.EventType)
	}
	if !event.Success {
		t.Fatal("expected success")
	}
	if event.Details["grounded"] != true {
		t.Fatalf("expected grounded detail, got %v", event.Details)
	}
	// Query text itself must never appear in the audit trail.
	if strings.Contains(buf.String(), "query_text") {
		t.Fatal("query text leaked into audit log")
	}
}

func TestLogChat(t *testing.T) {
	l, buf := auditBuffer()
	l.LogChat(context.Background(), "u1", "conv-42", 80*time.Millisecond)

	event := parseEvent(t, buf)
	if event.EventType != AuditEventChat {
		t.Fatalf("expected chat.message, got %s", event.EventType)
	}
	if event.Details["conversation_id"] != "conv-42" {
		t.Fatalf("expected conversation detail, got %v", event.Details)
	}
}

func TestLogLLMResponse(t *testing.T) {
	l, buf := auditBuffer()
	l.LogLLMResponse(context.Background(), "openai", "gpt-4o", time.Second, 100, 50)

	event := parseEvent(t, buf)
	if event.EventType != AuditEventLLMResponse {
		t.Fatalf("expected llm.response, got %s", event.EventType)
	}
	if event.Details["total_tokens"] != float64(150) {
		t.Fatalf("expected total_tokens=150, got %v", event.Details["total_tokens"])
	}
}

func TestLogLLMError(t *testing.T) {
	l, buf := auditBuffer()
	l.LogLLMError(context.Background(), "openai", "gpt-4o", errors.New("rate limited"))

	event := parseEvent(t, buf)
	if event.Success {
		t.Fatal("expected failure")
	}
	if event.ErrorDetail != "rate limited" {
		t.Fatalf("expected error detail, got %s", event.ErrorDetail)
	}
}

func TestLogIngestLifecycle(t *testing.T) {
	l, buf := auditBuffer()
	l.LogIngestStart(context.Background(), "u1", "b1", "job-1", 12)
	l.LogIngestComplete(context.Background(), "u1", "b1", "job-1", 12, 2*time.Second)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 events, got %d", len(lines))
	}

	var start, done AuditEvent
	json.Unmarshal([]byte(lines[0]), &start)
	json.Unmarshal([]byte(lines[1]), &done)
	if start.EventType != AuditEventIngestStart || done.EventType != AuditEventIngestComplete {
		t.Fatalf("unexpected event types: %s, %s", start.EventType, done.EventType)
	}
	if start.JobID != "job-1" || done.BookID != "b1" {
		t.Fatal("expected job and book ids on events")
	}
}

func TestLogIngestError(t *testing.T) {
	l, buf := auditBuffer()
	l.LogIngestError(context.Background(), "u1", "b1", "job-1", errors.New("embedding provider down"))

	event := parseEvent(t, buf)
	if event.EventType != AuditEventIngestError || event.Success {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestLogEmbeddingsDelete(t *testing.T) {
	l, buf := auditBuffer()
	l.LogEmbeddingsDelete(context.Background(), "u1", "b1")

	event := parseEvent(t, buf)
	if event.EventType != AuditEventEmbeddingsDelete {
		t.Fatalf("expected embeddings.delete, got %s", event.EventType)
	}
	if event.OwnerID != "u1" || event.BookID != "b1" {
		t.Fatalf("expected owner and book ids, got %+v", event)
	}
}

// ==================== Global logger tests ====================

func TestAudit_Uninitialized(t *testing.T) {
	l := Audit()
	if l == nil {
		t.Fatal("expected non-nil disabled logger")
	}
	// Logging through the disabled logger must be a no-op, not a panic.
	if err := l.Log(&AuditEvent{EventType: AuditEventQuery}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuditLogger_FileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	l, err := NewAuditLogger(&AuditConfig{Enabled: true, OutputPath: logPath, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	l.LogQuery(context.Background(), "u1", 0, 2, true, time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	var event AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(data), &event); err != nil {
		t.Fatalf("failed to parse persisted event: %v", err)
	}
	if event.SessionID != "s1" {
		t.Fatalf("expected session s1, got %s", event.SessionID)
	}
}
