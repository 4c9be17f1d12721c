package protocol

import (
	"time"

	"chat-engine/internal/models"
)

// Outbound intent constructors. Each produces the same frame shape the
// decoder consumes, so a self-sent frame round-trips through Decode.

// EncodeMessage serializes an outgoing chat message.
func EncodeMessage(from, to string, msg models.Message) Frame {
	payload := map[string]any{
		"id":        msg.ID,
		"text":      msg.Text,
		"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(msg.Attachments) > 0 {
		payload["attachments"] = msg.Attachments
	}
	kind := EventMessage
	if msg.ReplyTo != "" {
		kind = EventReply
		payload["reply_to"] = msg.ReplyTo
	}
	return Frame{Type: string(kind), From: from, To: to, Payload: payload}
}

// EncodeTyping serializes a typing indicator.
func EncodeTyping(from, to string, isTyping bool) Frame {
	return Frame{Type: string(EventTyping), From: from, To: to, Payload: map[string]any{
		"isTyping": isTyping,
	}}
}

// EncodeReadReceipt acknowledges a message as read.
func EncodeReadReceipt(from, to, messageID string) Frame {
	return Frame{Type: string(EventReadReceipt), From: from, To: to, Payload: map[string]any{
		"id": messageID,
	}}
}

// EncodeDeliveryReceipt acknowledges a message as delivered.
func EncodeDeliveryReceipt(from, to, messageID string) Frame {
	return Frame{Type: string(EventDeliveryReceipt), From: from, To: to, Payload: map[string]any{
		"id": messageID,
	}}
}

// EncodeReaction serializes a reaction add or remove.
func EncodeReaction(from, to, messageID, emoji, action string) Frame {
	return Frame{Type: string(EventReaction), From: from, To: to, Payload: map[string]any{
		"id":       messageID,
		"reaction": emoji,
		"action":   action,
	}}
}

// EncodeEdit serializes a message edit.
func EncodeEdit(from, to, messageID, text string) Frame {
	return Frame{Type: string(EventEdit), From: from, To: to, Payload: map[string]any{
		"id":   messageID,
		"text": text,
	}}
}

// EncodeDelete serializes a message deletion.
func EncodeDelete(from, to, messageID string) Frame {
	return Frame{Type: string(EventDelete), From: from, To: to, Payload: map[string]any{
		"id": messageID,
	}}
}

// EncodePresence serializes the local presence state.
func EncodePresence(from string, state models.PresenceState) Frame {
	return Frame{Type: string(EventPresence), From: from, Payload: map[string]any{
		"state": string(state),
	}}
}
