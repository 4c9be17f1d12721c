package observability

import "time"

// EventEnvelope wraps an engine event for AMQP publication.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
}

// BuildHeaders assembles AMQP headers for correlation.
func BuildHeaders(sessionID, traceID string) map[string]string {
	headers := map[string]string{}
	if sessionID != "" {
		headers["x-session-id"] = sessionID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
