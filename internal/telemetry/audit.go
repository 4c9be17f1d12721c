package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher is the minimal broker surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter records engine lifecycle events (connects, disconnects,
// terminal failures) for offline inspection.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.SugaredLogger
}

// AuditEnvelope is the published audit record.
type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	SessionID     string       `json:"session_id"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

// AuditPayload carries the log level and human-readable text.
type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// NewAuditEmitter constructs an emitter bound to a routing key.
func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.SugaredLogger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
	}
}

// Emit publishes one audit record. A nil emitter or publisher is a no-op so
// call sites never have to guard.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, sessionID, userID string) {
	if e == nil || e.publisher == nil {
		return
	}

	e.log.Debugw("audit emit", "level", level, "session_id", sessionID, "user_id", userID, "text", text)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		SessionID:     sessionID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warnw("audit publish failed", "error", err)
	}
}
