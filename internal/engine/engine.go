package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-engine/internal/connection"
	"chat-engine/internal/models"
	"chat-engine/internal/observability"
	"chat-engine/internal/presence"
	"chat-engine/internal/protocol"
	"chat-engine/internal/store"
	"chat-engine/internal/telemetry"
	"chat-engine/internal/upload"
)

// ServerError is an application-level error pushed by the server while the
// connection stays open.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Text)
}

// Connection is the connection-manager surface the engine drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(data []byte) error
	SetFrameHandler(handler func([]byte))
	OnError(fn func(error))
}

// Engine binds the connection manager, codec, conversation store, and
// presence tracker into one session. It is constructed once per session and
// torn down with Cleanup.
type Engine struct {
	localUserID string
	sessionID   string
	conn        Connection
	store       *store.Store
	presence    *presence.Tracker
	uploader    upload.Uploader
	audit       *telemetry.AuditEmitter
	log         *zap.SugaredLogger

	mu           sync.Mutex
	errObservers []func(error)
}

// New wires an engine. All collaborators are injected; nothing here owns
// module-level state.
func New(localUserID string, conn Connection, st *store.Store, tracker *presence.Tracker, uploader upload.Uploader, audit *telemetry.AuditEmitter, log *zap.SugaredLogger) *Engine {
	return &Engine{
		localUserID: localUserID,
		sessionID:   uuid.NewString(),
		conn:        conn,
		store:       st,
		presence:    tracker,
		uploader:    uploader,
		audit:       audit,
		log:         log,
	}
}

// SessionID identifies this engine session in audit and event streams.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Initialize rehydrates the store, hooks the inbound pipeline, opens the
// connection, and starts presence. Connection failures here are recoverable
// and handled by the manager's own retry policy; only authentication
// failures abort.
func (e *Engine) Initialize(ctx context.Context) error {
	e.conn.SetFrameHandler(e.handleFrame)
	e.conn.OnError(e.notifyError)

	if err := e.store.Rehydrate(ctx); err != nil {
		e.log.Warnw("store rehydrate failed, starting cold", "error", err)
	}

	if err := e.conn.Connect(ctx); err != nil {
		if errors.Is(err, connection.ErrAuthentication) {
			return err
		}
		e.log.Warnw("initial connect failed, retrying in background", "error", err)
	}

	e.presence.Start()
	e.audit.Emit(ctx, "INFO", "engine initialized", e.sessionID, e.localUserID)
	_ = observability.PublishEvent(ctx, "engine_events.lifecycle",
		observability.NewEnvelope("engine_events", "engine_started", map[string]any{
			"session_id": e.sessionID,
			"user_id":    e.localUserID,
		}), observability.BuildHeaders(e.sessionID, ""))
	return nil
}

// Cleanup announces OFFLINE, closes the socket, and cancels every timer the
// session owns.
func (e *Engine) Cleanup(ctx context.Context) {
	e.presence.Stop()
	e.conn.Disconnect()
	e.audit.Emit(ctx, "INFO", "engine cleaned up", e.sessionID, e.localUserID)
	_ = observability.PublishEvent(ctx, "engine_events.lifecycle",
		observability.NewEnvelope("engine_events", "engine_stopped", map[string]any{
			"session_id": e.sessionID,
			"user_id":    e.localUserID,
		}), observability.BuildHeaders(e.sessionID, ""))
}

// OnError registers an error observer. Every failure kind, connectivity,
// authentication, protocol, application, and upload, flows through here.
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errObservers = append(e.errObservers, fn)
}

// handleFrame is the single inbound dispatch point. It never panics or
// throws out of the socket callback; bad frames are counted and dropped.
func (e *Engine) handleFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrMalformedFrame):
			observability.IncDroppedFrame("malformed")
			e.notifyError(err)
		case errors.Is(err, protocol.ErrUnknownParticipant):
			observability.IncDroppedFrame("unknown_participant")
			e.log.Debugw("frame dropped", "error", err)
		default:
			observability.IncDroppedFrame("decode")
			e.log.Warnw("frame dropped", "error", err)
		}
		return
	}
	if ev == nil {
		return
	}
	observability.IncEvent(string(ev.Kind))

	switch ev.Kind {
	case protocol.EventMessage, protocol.EventReply:
		e.store.AddMessage(*ev.Message)
	case protocol.EventTyping:
		e.store.SetTyping(e.conversationKey(ev), ev.IsTyping)
	case protocol.EventStatus:
		e.store.UpdateMessageStatus(ev.MessageID, ev.Status)
	case protocol.EventDeliveryReceipt:
		e.store.UpdateMessageStatus(ev.MessageID, models.StatusDelivered)
	case protocol.EventReadReceipt:
		e.store.UpdateMessageStatus(ev.MessageID, models.StatusRead)
	case protocol.EventPresence:
		e.presence.Apply(ev)
	case protocol.EventReaction:
		e.store.UpdateMessageReaction(ev.MessageID, ev.Reaction.UserID, ev.Reaction.Emoji, ev.Reaction.Action)
	case protocol.EventEdit:
		e.store.UpdateEditedMessage(ev.MessageID, ev.Text, ev.Timestamp)
	case protocol.EventDelete:
		e.store.UpdateDeletedMessage(ev.MessageID)
	case protocol.EventError:
		e.notifyError(&ServerError{Text: ev.Text})
	}
}

// conversationKey maps an inbound event onto its conversation: the remote
// counterpart for direct traffic, the group id for group traffic.
func (e *Engine) conversationKey(ev *protocol.Event) string {
	if ev.To != "" && ev.To != e.localUserID && ev.To != protocol.UnknownID {
		return ev.To
	}
	return ev.From
}

// SendText runs the optimistic send path for a plain text message.
func (e *Engine) SendText(conversationID, text string) models.Message {
	return e.store.SendMessage(conversationID, text, nil)
}

// SendFile appends the optimistic message immediately and uploads the
// attachment in the background; the pending state renders without waiting.
// On upload failure the message flips to failed instead of disappearing.
func (e *Engine) SendFile(ctx context.Context, conversationID, text string, file upload.File, progress upload.Progress) models.Message {
	msg := e.store.AppendOutgoing(conversationID, text)
	go func() {
		attachment, err := e.uploader.Upload(ctx, file, progress)
		if err != nil {
			e.store.UpdateMessageStatus(msg.ID, models.StatusFailed)
			e.notifyError(fmt.Errorf("attachment upload: %w", err))
			return
		}
		if err := e.store.CompleteAttachments(msg.ID, []models.Attachment{attachment}); err != nil {
			// The conversation is gone; the upload result is discarded.
			e.log.Infow("upload result discarded", "message_id", msg.ID, "error", err)
		}
	}()
	return msg
}

// EditMessage applies the edit optimistically and transmits the intent; the
// server confirmation re-applies it idempotently.
func (e *Engine) EditMessage(conversationID, messageID, text string) {
	e.store.UpdateEditedMessage(messageID, text, time.Now().UTC())
	e.transmit(protocol.EncodeEdit(e.localUserID, conversationID, messageID, text))
}

// DeleteMessage tombstones locally and transmits the intent.
func (e *Engine) DeleteMessage(conversationID, messageID string) {
	e.store.UpdateDeletedMessage(messageID)
	e.transmit(protocol.EncodeDelete(e.localUserID, conversationID, messageID))
}

// React applies a reaction locally and transmits the intent.
func (e *Engine) React(conversationID, messageID, emoji, action string) {
	e.store.UpdateMessageReaction(messageID, e.localUserID, emoji, action)
	e.transmit(protocol.EncodeReaction(e.localUserID, conversationID, messageID, emoji, action))
}

// SetTyping announces the local typing state for a conversation.
func (e *Engine) SetTyping(conversationID string, isTyping bool) {
	e.transmit(protocol.EncodeTyping(e.localUserID, conversationID, isTyping))
}

// OpenConversation marks a conversation active, emitting read receipts per
// the store's rules.
func (e *Engine) OpenConversation(conversationID string) {
	e.store.SetActive(conversationID)
}

// SetVisible forwards page visibility to both the store and the tracker.
func (e *Engine) SetVisible(visible bool) {
	e.store.SetVisible(visible)
	e.presence.SetVisible(visible)
}

// Activity forwards a user input event to the idle detector.
func (e *Engine) Activity() {
	e.presence.Activity()
}

func (e *Engine) transmit(frame protocol.Frame) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		e.log.Errorw("intent marshal failed", "type", frame.Type, "error", err)
		return
	}
	if err := e.conn.Send(data); err != nil {
		e.log.Warnw("intent transmit failed", "type", frame.Type, "error", err)
	}
}

func (e *Engine) notifyError(err error) {
	e.log.Warnw("engine error", "error", err)
	e.mu.Lock()
	observers := make([]func(error), len(e.errObservers))
	copy(observers, e.errObservers)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}
