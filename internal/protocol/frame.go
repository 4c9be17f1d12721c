package protocol

import "encoding/json"

// EventKind enumerates the closed set of wire event kinds.
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventTyping          EventKind = "typing"
	EventStatus          EventKind = "status"
	EventDeliveryReceipt EventKind = "delivery_receipt"
	EventReadReceipt     EventKind = "read_receipt"
	EventPresence        EventKind = "presence"
	EventReaction        EventKind = "reaction"
	EventReply           EventKind = "reply"
	EventEdit            EventKind = "edit"
	EventDelete          EventKind = "delete"
	EventError           EventKind = "error"
)

// Keepalive frames are bare string literals, not JSON objects.
const (
	Keepalive    = "ping"
	KeepaliveAck = "pong"
)

// Frame is the wire shape shared by inbound and outbound traffic.
type Frame struct {
	Type    string         `json:"type"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Marshal serializes a frame for transmission.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func knownKind(t string) (EventKind, bool) {
	switch EventKind(t) {
	case EventMessage, EventTyping, EventStatus, EventDeliveryReceipt,
		EventReadReceipt, EventPresence, EventReaction, EventReply,
		EventEdit, EventDelete, EventError:
		return EventKind(t), true
	}
	return "", false
}
