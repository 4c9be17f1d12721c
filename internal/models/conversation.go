package models

// Conversation is the in-memory model of a direct or group chat. Messages
// are kept in arrival order, which is not necessarily timestamp order.
type Conversation struct {
	ID                string        `json:"conversation_id"`
	IsGroup           bool          `json:"is_group"`
	Messages          []Message     `json:"messages"`
	IsPinned          bool          `json:"is_pinned"`
	IsUnread          bool          `json:"is_unread"`
	LastReadMessageID string        `json:"last_read_message_id,omitempty"`
	CounterpartStatus PresenceState `json:"counterpart_status,omitempty"`
}

// ConversationSummary is the API-friendly view served by the diagnostics
// surface and pushed to store subscribers.
type ConversationSummary struct {
	ID           string `json:"conversation_id"`
	IsGroup      bool   `json:"is_group"`
	IsPinned     bool   `json:"is_pinned"`
	IsUnread     bool   `json:"is_unread"`
	MessageCount int    `json:"message_count"`
	LastText     string `json:"last_text,omitempty"`
}
