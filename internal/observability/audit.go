// Package observability provides audit logging for compliance tracking.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventQuery            AuditEventType = "query.process"
	AuditEventChat             AuditEventType = "chat.message"
	AuditEventLLMRequest       AuditEventType = "llm.request"
	AuditEventLLMResponse      AuditEventType = "llm.response"
	AuditEventLLMError         AuditEventType = "llm.error"
	AuditEventIngestStart      AuditEventType = "ingest.start"
	AuditEventIngestComplete   AuditEventType = "ingest.complete"
	AuditEventIngestError      AuditEventType = "ingest.error"
	AuditEventEmbeddingsDelete AuditEventType = "embeddings.delete"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	SessionID   string                 `json:"session_id"`
	OwnerID     string                 `json:"owner_id,omitempty"`
	BookID      string                 `json:"book_id,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration_ms,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
}

// AuditLogger handles audit event logging.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		enabled:   config.Enabled,
	}, nil
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogQuery logs a processed query. The query text itself is never logged,
// only aggregate characteristics.
func (l *AuditLogger) LogQuery(ctx context.Context, ownerID string, bookCount, passagesUsed int, grounded bool, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventQuery,
		OwnerID:   ownerID,
		Success:   true,
		Duration:  duration,
		Message:   "Query processed",
		Details: map[string]interface{}{
			"book_filter_count": bookCount,
			"passages_used":     passagesUsed,
			"grounded":          grounded,
		},
	})
}

// LogChat logs a chat turn.
func (l *AuditLogger) LogChat(ctx context.Context, ownerID, conversationID string, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventChat,
		OwnerID:   ownerID,
		Success:   true,
		Duration:  duration,
		Message:   "Chat turn answered",
		Details: map[string]interface{}{
			"conversation_id": conversationID,
		},
	})
}

// LogLLMRequest logs an LLM request event.
func (l *AuditLogger) LogLLMRequest(ctx context.Context, provider, model string, promptTokens int) {
	l.Log(&AuditEvent{
		EventType: AuditEventLLMRequest,
		Success:   true,
		Message:   fmt.Sprintf("LLM request to %s/%s", provider, model),
		Details: map[string]interface{}{
			"provider":      provider,
			"model":         model,
			"prompt_tokens": promptTokens,
		},
	})
}

// LogLLMResponse logs an LLM response event.
func (l *AuditLogger) LogLLMResponse(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int) {
	l.Log(&AuditEvent{
		EventType: AuditEventLLMResponse,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("LLM response from %s/%s", provider, model),
		Details: map[string]interface{}{
			"provider":      provider,
			"model":         model,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"total_tokens":  inputTokens + outputTokens,
		},
	})
}

// LogLLMError logs an LLM error event.
func (l *AuditLogger) LogLLMError(ctx context.Context, provider, model string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventLLMError,
		Success:     false,
		Message:     fmt.Sprintf("LLM error from %s/%s", provider, model),
		ErrorDetail: err.Error(),
		Details: map[string]interface{}{
			"provider": provider,
			"model":    model,
		},
	})
}

// LogIngestStart logs an ingestion job start event.
func (l *AuditLogger) LogIngestStart(ctx context.Context, ownerID, bookID, jobID string, totalChunks int) {
	l.Log(&AuditEvent{
		EventType: AuditEventIngestStart,
		OwnerID:   ownerID,
		BookID:    bookID,
		JobID:     jobID,
		Success:   true,
		Message:   fmt.Sprintf("Ingestion started: %d chunks", totalChunks),
		Details: map[string]interface{}{
			"total_chunks": totalChunks,
		},
	})
}

// LogIngestComplete logs an ingestion job completion event.
func (l *AuditLogger) LogIngestComplete(ctx context.Context, ownerID, bookID, jobID string, chunks int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventIngestComplete,
		OwnerID:   ownerID,
		BookID:    bookID,
		JobID:     jobID,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("Ingestion completed: %d chunks indexed", chunks),
		Details: map[string]interface{}{
			"chunks": chunks,
		},
	})
}

// LogIngestError logs an ingestion job failure event.
func (l *AuditLogger) LogIngestError(ctx context.Context, ownerID, bookID, jobID string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventIngestError,
		OwnerID:     ownerID,
		BookID:      bookID,
		JobID:       jobID,
		Success:     false,
		Message:     "Ingestion failed",
		ErrorDetail: err.Error(),
	})
}

// LogEmbeddingsDelete logs deletion of a book's embeddings.
func (l *AuditLogger) LogEmbeddingsDelete(ctx context.Context, ownerID, bookID string) {
	l.Log(&AuditEvent{
		EventType: AuditEventEmbeddingsDelete,
		OwnerID:   ownerID,
		BookID:    bookID,
		Success:   true,
		Message:   "Book embeddings deleted",
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// Global audit logger instance
var globalAuditLogger *AuditLogger
var auditOnce sync.Once

// InitGlobalAuditLogger initializes the global audit logger.
func InitGlobalAuditLogger(config *AuditConfig) error {
	var err error
	auditOnce.Do(func() {
		globalAuditLogger, err = NewAuditLogger(config)
	})
	return err
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if globalAuditLogger == nil {
		// Return a disabled logger if not initialized
		return &AuditLogger{enabled: false}
	}
	return globalAuditLogger
}
