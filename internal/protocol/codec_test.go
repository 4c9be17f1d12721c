package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/models"
)

func TestDecodeKeepaliveIsBenign(t *testing.T) {
	for _, raw := range []string{"ping", "pong", `"ping"`, `"pong"`, "  pong  ", ""} {
		ev, err := Decode([]byte(raw))
		require.NoError(t, err, "raw=%q", raw)
		assert.Nil(t, ev, "raw=%q", raw)
	}
}

func TestDecodeNonJSONIsBenign(t *testing.T) {
	ev, err := Decode([]byte("not json at all {{{"))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeMissingTypeIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"from":"u1","payload":{"text":"hi"}}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownTypeIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"warp_drive","from":"u1","to":"u2"}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownSenderIsDropped(t *testing.T) {
	_, err := Decode([]byte(`{"type":"message","to":"u2","payload":{"id":"m1","text":"hi"}}`))
	require.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestDecodeSenderAliasPrecedence(t *testing.T) {
	raw := []byte(`{"type":"message","to":"u2","payload":{"id":"m1","text":"hi","senderId":"late","sender_id":"early"}}`)
	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "early", ev.From)

	// A top-level from beats every payload alias.
	raw = []byte(`{"type":"message","from":"direct","to":"u2","payload":{"id":"m1","text":"hi","sender_id":"early"}}`)
	ev, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "direct", ev.From)
}

func TestDecodeNumericTimestamp(t *testing.T) {
	raw := []byte(`{"type":"message","from":"u1","to":"u2","payload":{"id":"m1","text":"hi","timestamp":1717171717}}`)
	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1717171717, 0), ev.Timestamp)

	raw = []byte(`{"type":"message","from":"u1","to":"u2","payload":{"id":"m2","text":"hi","timestamp":1717171717000}}`)
	ev, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1717171717000), ev.Timestamp)
}

func TestDecodeGroupMessageKeepsGroupID(t *testing.T) {
	raw := []byte(`{"type":"message","from":"u2","payload":{"id":"m1","text":"hi","group_id":"g7"}}`)
	ev, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "g7", ev.Message.GroupID)
	assert.Equal(t, "g7", ev.To)
}

func TestDecodeReactionDefaultsToAdd(t *testing.T) {
	raw := []byte(`{"type":"reaction","from":"u1","to":"u2","payload":{"id":"m1","emoji":"🔥"}}`)
	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ReactionChange{UserID: "u1", Emoji: "🔥", Action: "add"}, ev.Reaction)
}

func TestDecodePresenceRejectsBadState(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence","from":"u1","payload":{"state":"NAPPING"}}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMessageRoundTrip(t *testing.T) {
	sent := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	msg := models.Message{
		ID:        "m42",
		Text:      "look at this",
		Timestamp: sent,
		Attachments: []models.Attachment{
			{URL: "https://cdn.example.com/a.png", Name: "a.png", Size: 1024, Type: "image/png"},
		},
	}

	data, err := Marshal(EncodeMessage("u1", "u2", msg))
	require.NoError(t, err)

	ev, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "u1", ev.From)
	assert.Equal(t, "u2", ev.To)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m42", ev.Message.ID)
	assert.Equal(t, "look at this", ev.Message.Text)
	assert.True(t, sent.Equal(ev.Message.Timestamp))
	require.Len(t, ev.Message.Attachments, 1)
	assert.Equal(t, msg.Attachments[0], ev.Message.Attachments[0])
}

func TestReplyRoundTrip(t *testing.T) {
	msg := models.Message{ID: "m2", Text: "agreed", Timestamp: time.Now().UTC(), ReplyTo: "m1"}

	data, err := Marshal(EncodeMessage("u1", "u2", msg))
	require.NoError(t, err)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventReply, ev.Kind)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.ReplyTo)
}

func TestReceiptAndReactionRoundTrips(t *testing.T) {
	cases := []struct {
		frame  Frame
		kind   EventKind
		status models.MessageStatus
	}{
		{EncodeReadReceipt("u1", "u2", "m1"), EventReadReceipt, models.StatusRead},
		{EncodeDeliveryReceipt("u1", "u2", "m1"), EventDeliveryReceipt, models.StatusDelivered},
	}
	for _, tc := range cases {
		data, err := Marshal(tc.frame)
		require.NoError(t, err)
		ev, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, tc.kind, ev.Kind)
		assert.Equal(t, "m1", ev.MessageID)
		assert.Equal(t, tc.status, ev.Status)
	}

	data, err := Marshal(EncodeReaction("u1", "u2", "m1", "👍", "remove"))
	require.NoError(t, err)
	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ReactionChange{UserID: "u1", Emoji: "👍", Action: "remove"}, ev.Reaction)
}

func TestTypingAndPresenceRoundTrips(t *testing.T) {
	data, err := Marshal(EncodeTyping("u1", "u2", true))
	require.NoError(t, err)
	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventTyping, ev.Kind)
	assert.True(t, ev.IsTyping)

	data, err = Marshal(EncodePresence("u1", models.PresenceAway))
	require.NoError(t, err)
	ev, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventPresence, ev.Kind)
	assert.Equal(t, models.PresenceAway, ev.Presence)
}

func TestEditAndDeleteRoundTrips(t *testing.T) {
	data, err := Marshal(EncodeEdit("u1", "u2", "m1", "fixed"))
	require.NoError(t, err)
	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventEdit, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, "fixed", ev.Text)

	data, err = Marshal(EncodeDelete("u1", "u2", "m1"))
	require.NoError(t, err)
	ev, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventDelete, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
}

func TestServerErrorFrame(t *testing.T) {
	raw, err := json.Marshal(Frame{Type: string(EventError), Payload: map[string]any{"message": "rate limited"}})
	require.NoError(t, err)
	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "rate limited", ev.Text)
}
