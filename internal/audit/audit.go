package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kenneth/media-relay/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeRelay represents one decrypt-and-store relay.
	EventTypeRelay EventType = "relay"
)

// Redacted replaces values of redacted fields.
const Redacted = "[REDACTED]"

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	RequestID  string                 `json:"request_id,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	InstanceID string                 `json:"instance_id,omitempty"`
	RemoteJID  string                 `json:"remote_jid,omitempty"`
	MediaType  string                 `json:"media_type,omitempty"`
	MimeType   string                 `json:"mime_type,omitempty"`
	Bucket     string                 `json:"bucket,omitempty"`
	Key        string                 `json:"key,omitempty"`
	Bytes      int64                  `json:"bytes,omitempty"`
	Success    bool                   `json:"success"`
	Stage      string                 `json:"stage,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogRelay stamps and redacts a relay event before logging it.
	LogRelay(event *AuditEvent, duration time.Duration)

	// GetEvents returns the retained audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys map[string]bool
	now        func() time.Time
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger. redactKeys name metadata
// keys and the identity fields remote_jid, instance_id and client_ip whose
// values are replaced before the event is written.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents < 0 {
		maxEvents = 0
	}

	keys := make(map[string]bool, len(redactKeys))
	for _, k := range redactKeys {
		keys[k] = true
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: keys,
		now:        time.Now,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration. A
// disabled configuration yields a logger that discards events.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	if !cfg.Enabled {
		return NewLogger(0, discardWriter{}), nil
	}

	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event. Writer failures never fail the caller.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			fmt.Fprintf(os.Stderr, "audit: failed to write event: %v\n", err)
		}
	}

	if l.maxEvents == 0 {
		return nil
	}
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// LogRelay logs a relay outcome.
func (l *auditLogger) LogRelay(event *AuditEvent, duration time.Duration) {
	event.Timestamp = l.now()
	event.EventType = EventTypeRelay
	if event.Operation == "" {
		event.Operation = "download_media"
	}
	event.DurationMS = duration.Milliseconds()
	l.redact(event)
	l.Log(event)
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redact replaces configured identity fields and metadata values.
func (l *auditLogger) redact(event *AuditEvent) {
	if len(l.redactKeys) == 0 {
		return
	}
	if l.redactKeys["remote_jid"] && event.RemoteJID != "" {
		event.RemoteJID = Redacted
	}
	if l.redactKeys["instance_id"] && event.InstanceID != "" {
		event.InstanceID = Redacted
	}
	if l.redactKeys["client_ip"] && event.ClientIP != "" {
		event.ClientIP = Redacted
	}
	event.Metadata = l.redactMetadata(event.Metadata)
}

// redactMetadata returns metadata with sensitive keys replaced. The input map
// is not modified.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	needsRedaction := false
	for k := range metadata {
		if l.redactKeys[k] {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if l.redactKeys[k] {
			v = Redacted
		}
		clone[k] = v
	}
	return clone
}

// GetEvents returns all retained audit events.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

type discardWriter struct{}

func (discardWriter) WriteEvent(*AuditEvent) error { return nil }

// marshalLine encodes an event as a single JSON line.
func marshalLine(event *AuditEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return append(data, '\n'), nil
}
