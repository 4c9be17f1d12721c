package models

import "time"

// MessageStatus tracks delivery progress as seen by the local user.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// TombstoneText replaces the body of a deleted message.
const TombstoneText = "This message was deleted"

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Reaction is a single (user, emoji) pair on a message.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// Message represents a chat message, direct or group.
type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"sender_id"`
	ReceiverID  string        `json:"receiver_id,omitempty"`
	GroupID     string        `json:"group_id,omitempty"`
	Text        string        `json:"text"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      MessageStatus `json:"status"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReplyTo     string        `json:"reply_to,omitempty"`
	IsEdited    bool          `json:"is_edited,omitempty"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	IsDeleted   bool          `json:"is_deleted,omitempty"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
	Reactions   []Reaction    `json:"reactions,omitempty"`
}

// HasReaction reports whether the (user, emoji) pair is already present.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
