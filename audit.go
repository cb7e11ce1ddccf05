package siwo

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditEvent is one security-relevant occurrence. Suppressed elevations and
// suspicious token failures are always emitted, never silently dropped from
// the record.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	Email      string            `json:"email,omitempty"`
	IdentityID string            `json:"identity_id,omitempty"`
	Visitor    string            `json:"visitor,omitempty"`
	JTI        string            `json:"jti,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event types emitted by the engine. The security.* types indicate probable
// tampering or bugs and double as the error-reporting channel.
const (
	EventCheck               = "siwo.check"
	EventElevationSuppressed = "siwo.elevation_suppressed"
	EventAcknowledge         = "siwo.acknowledge"
	EventLogin               = "siwo.login"
	EventCreateIdentity      = "siwo.create_identity"
	EventResetPassword       = "siwo.reset_password"
	EventUpdatePassword      = "siwo.update_password"
	EventTokenSuspicious     = "security.token_suspicious"
	EventHiddenStateLost     = "security.hidden_state_lost"
	EventIntegrityViolation  = "security.integrity_violation"
)

// AuditSink receives events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards everything.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a channel for test harnesses and custom
// pipelines.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receiving side.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a line-delimited JSON sink.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
