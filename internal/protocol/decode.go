package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chat-engine/internal/models"
)

var (
	// ErrMalformedFrame marks a JSON payload without a usable type
	// discriminator, or with an unknown one.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownParticipant marks an event whose sender or recipient could
	// not be resolved; such events are dropped rather than applied under
	// the wrong conversation key.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// UnknownID is the sentinel used when no field alias yields a value.
const UnknownID = "unknown"

// Historical field-name aliases, tried in precedence order. The mapping is a
// data table so schema drift stays here and out of the decoder body.
var (
	senderAliases    = []string{"from", "sender_id", "senderId", "sender", "user_id"}
	recipientAliases = []string{"to", "receiver_id", "receiverId", "recipient", "group_id", "groupId"}
	idAliases        = []string{"id", "message_id", "messageId", "msg_id"}
	textAliases      = []string{"text", "content", "message", "body"}
	timeAliases      = []string{"timestamp", "created_at", "time", "sent_at"}
	replyAliases     = []string{"reply_to", "replyTo", "parent_id"}
)

// Event is the canonical internal form of one decoded frame.
type Event struct {
	Kind      EventKind
	From      string
	To        string
	Message   *models.Message
	MessageID string
	Status    models.MessageStatus
	Reaction  ReactionChange
	Presence  models.PresenceState
	IsTyping  bool
	Text      string
	Timestamp time.Time
}

// ReactionChange carries one reaction add/remove.
type ReactionChange struct {
	UserID string
	Emoji  string
	Action string // "add" or "remove"
}

// Decode parses a raw wire payload into a canonical event. Keepalive
// literals and non-JSON noise return (nil, nil): benign, nothing to apply.
// JSON that lacks a recognizable type is malformed; events without a
// resolvable sender or recipient are dropped. Decode never panics on
// arbitrary input.
func Decode(data []byte) (*Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if s := string(trimmed); s == Keepalive || s == KeepaliveAck ||
		s == `"`+Keepalive+`"` || s == `"`+KeepaliveAck+`"` {
		return nil, nil
	}

	var frame Frame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		// Non-JSON traffic is tolerated, not escalated.
		return nil, nil
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrMalformedFrame)
	}
	kind, ok := knownKind(frame.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized type %q", ErrMalformedFrame, frame.Type)
	}

	ev := &Event{
		Kind:      kind,
		From:      resolveParty(frame.From, frame.Payload, senderAliases),
		To:        resolveParty(frame.To, frame.Payload, recipientAliases),
		MessageID: stringField(frame.Payload, idAliases),
		Text:      stringField(frame.Payload, textAliases),
		Timestamp: timeField(frame.Payload, timeAliases),
	}

	switch kind {
	case EventError:
		// Server errors carry no participants worth validating.
		return ev, nil
	case EventPresence:
		if ev.From == UnknownID {
			return nil, fmt.Errorf("%w: presence without sender", ErrUnknownParticipant)
		}
		ev.Presence = models.PresenceState(stringField(frame.Payload, []string{"state", "status", "presence"}))
		if !ev.Presence.Valid() {
			return nil, fmt.Errorf("%w: bad presence state", ErrMalformedFrame)
		}
		return ev, nil
	}

	if ev.From == UnknownID || ev.To == UnknownID {
		return nil, fmt.Errorf("%w: kind=%s", ErrUnknownParticipant, kind)
	}

	switch kind {
	case EventMessage, EventReply:
		ev.Message = messageFromFrame(frame, ev)
	case EventTyping:
		ev.IsTyping = boolField(frame.Payload, []string{"isTyping", "is_typing", "typing"})
	case EventStatus:
		ev.Status = models.MessageStatus(stringField(frame.Payload, []string{"status", "state"}))
	case EventDeliveryReceipt:
		ev.Status = models.StatusDelivered
	case EventReadReceipt:
		ev.Status = models.StatusRead
	case EventReaction:
		ev.Reaction = ReactionChange{
			UserID: ev.From,
			Emoji:  stringField(frame.Payload, []string{"reaction", "emoji"}),
			Action: stringField(frame.Payload, []string{"action"}),
		}
		if ev.Reaction.Action == UnknownID {
			ev.Reaction.Action = "add"
		}
	}
	return ev, nil
}

func messageFromFrame(frame Frame, ev *Event) *models.Message {
	msg := &models.Message{
		ID:        ev.MessageID,
		SenderID:  ev.From,
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
		Status:    models.StatusDelivered,
		ReplyTo:   optionalField(frame.Payload, replyAliases),
	}
	if gid := optionalField(frame.Payload, []string{"group_id", "groupId"}); gid != "" {
		msg.GroupID = gid
	} else {
		msg.ReceiverID = ev.To
	}
	if raw, ok := frame.Payload["attachments"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			var atts []models.Attachment
			if json.Unmarshal(encoded, &atts) == nil {
				msg.Attachments = atts
			}
		}
	}
	return msg
}

// resolveParty prefers the top-level frame field, then payload aliases.
func resolveParty(direct string, payload map[string]any, aliases []string) string {
	if direct != "" {
		return direct
	}
	return stringField(payload, aliases)
}

func stringField(payload map[string]any, aliases []string) string {
	if v := optionalField(payload, aliases); v != "" {
		return v
	}
	return UnknownID
}

func optionalField(payload map[string]any, aliases []string) string {
	for _, key := range aliases {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func boolField(payload map[string]any, aliases []string) bool {
	for _, key := range aliases {
		if v, ok := payload[key].(bool); ok {
			return v
		}
	}
	return false
}

func timeField(payload map[string]any, aliases []string) time.Time {
	for _, key := range aliases {
		switch v := payload[key].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts
			}
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts
			}
		case float64:
			// Epoch seconds or milliseconds, disambiguated by magnitude.
			if v > 1e12 {
				return time.UnixMilli(int64(v))
			}
			return time.Unix(int64(v), 0)
		}
	}
	return time.Now().UTC()
}
