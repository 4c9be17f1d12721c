package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-engine/internal/models"
	"chat-engine/internal/protocol"
	"chat-engine/internal/snapshot"
)

// Transmitter is the outbound side of the engine; the connection manager
// satisfies it.
type Transmitter interface {
	Send(data []byte) error
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// statusRank orders delivery states; transitions may only move forward,
// except that failed always applies.
var statusRank = map[models.MessageStatus]int{
	models.StatusSent:      0,
	models.StatusDelivered: 1,
	models.StatusRead:      2,
}

// Store is the authoritative in-memory conversation model. It applies both
// decoded remote events and optimistic local intents, and is the single
// source of truth the UI renders from.
type Store struct {
	localUserID string
	tx          Transmitter
	snapshots   snapshot.Store
	log         *zap.SugaredLogger

	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	groups        map[string]models.Group
	typing        map[string]time.Time
	active        string
	visible       bool
	historyFn     func(conversationID string)
	subscribers   []func()
}

// NewStore constructs an empty store for the given local user.
func NewStore(localUserID string, tx Transmitter, snapshots snapshot.Store, log *zap.SugaredLogger) *Store {
	return &Store{
		localUserID:   localUserID,
		tx:            tx,
		snapshots:     snapshots,
		log:           log,
		conversations: make(map[string]*models.Conversation),
		groups:        make(map[string]models.Group),
		typing:        make(map[string]time.Time),
		visible:       true,
	}
}

// OnHistoryNeeded installs the callback fired when a conversation is opened
// for the first time and its history should be fetched.
func (s *Store) OnHistoryNeeded(fn func(conversationID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyFn = fn
}

// Subscribe registers a change listener for the UI layer.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// SetVisible records page visibility; read receipts for the active
// conversation are only emitted while visible.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = visible
}

// Rehydrate loads conversation shells and group metadata from the durable
// cache. Message bodies are not cached; they arrive via history fetches.
func (s *Store) Rehydrate(ctx context.Context) error {
	shells, groups, err := s.snapshots.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, shell := range shells {
		if _, ok := s.conversations[shell.ConversationID]; ok {
			continue
		}
		s.conversations[shell.ConversationID] = &models.Conversation{
			ID:                shell.ConversationID,
			IsGroup:           shell.IsGroup,
			IsPinned:          shell.IsPinned,
			IsUnread:          shell.IsUnread,
			LastReadMessageID: shell.LastReadMessageID,
		}
	}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	s.mu.Unlock()
	s.log.Infow("store rehydrated", "conversations", len(shells), "groups", len(groups))
	return nil
}

// SetActive marks a conversation as currently viewed, creating an empty
// shell on first sight, and acknowledges its unread tail with a single read
// receipt for the newest unread incoming message.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	conv, created := s.ensureConversationLocked(conversationID, false)
	s.active = conversationID
	historyFn := s.historyFn

	var receiptTo, receiptID string
	if conv.IsUnread {
		conv.IsUnread = false
		if last, ok := newestIncomingLocked(conv, s.localUserID); ok {
			conv.LastReadMessageID = last.ID
			receiptID = last.ID
			receiptTo = receiptTarget(conv, last)
			s.markIncomingReadLocked(conv)
		}
		s.persistShellLocked(conv)
	}
	s.mu.Unlock()

	if created && historyFn != nil {
		historyFn(conversationID)
	}
	if receiptID != "" {
		s.emitReadReceipt(receiptTo, receiptID)
	}
	s.notify()
}

// Active returns the currently viewed conversation id.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// AddMessage applies a message to its owning conversation, resolved by the
// counterpart rule: the counterpart is whichever of sender/receiver is not
// the local user, or the group id. Idempotent by message id; a send-then-
// receive race dedupes here, not by sequencing.
func (s *Store) AddMessage(msg models.Message) {
	key := s.counterpartKey(msg)
	if key == "" || key == protocol.UnknownID {
		s.log.Warnw("message without resolvable conversation dropped", "message_id", msg.ID)
		return
	}

	s.mu.Lock()
	conv, _ := s.ensureConversationLocked(key, msg.GroupID != "")
	if containsMessageLocked(conv, msg.ID) {
		s.mu.Unlock()
		return
	}
	conv.Messages = append(conv.Messages, msg)

	incoming := msg.SenderID != s.localUserID
	activeAndVisible := s.active == key && s.visible

	var receiptTo string
	if incoming && !activeAndVisible {
		conv.IsUnread = true
		s.persistShellLocked(conv)
	}
	if incoming && activeAndVisible {
		conv.LastReadMessageID = msg.ID
		receiptTo = receiptTarget(conv, &msg)
	}
	s.mu.Unlock()

	if receiptTo != "" {
		s.emitReadReceipt(receiptTo, msg.ID)
	}
	s.notify()
}

// SendMessage runs the optimistic path: append a local message with a
// client-generated id and status sent, then transmit. The caller gets the
// message back immediately for rendering.
func (s *Store) SendMessage(conversationID, text string, attachments []models.Attachment) models.Message {
	msg := s.appendOutgoing(conversationID, text, attachments)
	s.Transmit(msg)
	return msg
}

// AppendOutgoing appends an optimistic message without transmitting it.
// Used directly when an attachment upload must complete first.
func (s *Store) AppendOutgoing(conversationID, text string) models.Message {
	return s.appendOutgoing(conversationID, text, nil)
}

func (s *Store) appendOutgoing(conversationID, text string, attachments []models.Attachment) models.Message {
	msg := models.Message{
		ID:          uuid.NewString(),
		SenderID:    s.localUserID,
		Text:        text,
		Timestamp:   time.Now().UTC(),
		Status:      models.StatusSent,
		Attachments: attachments,
	}

	s.mu.Lock()
	conv, _ := s.ensureConversationLocked(conversationID, false)
	if conv.IsGroup {
		msg.GroupID = conversationID
	} else {
		msg.ReceiverID = conversationID
	}
	conv.Messages = append(conv.Messages, msg)
	s.mu.Unlock()

	s.notify()
	return msg
}

// CompleteAttachments attaches uploaded files to a pending message and
// transmits it.
func (s *Store) CompleteAttachments(messageID string, attachments []models.Attachment) error {
	s.mu.Lock()
	conv, c, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	conv.Messages[c].Attachments = attachments
	msg := conv.Messages[c]
	s.mu.Unlock()

	s.Transmit(msg)
	s.notify()
	return nil
}

// Transmit encodes and sends a message frame.
func (s *Store) Transmit(msg models.Message) {
	to := msg.ReceiverID
	if msg.GroupID != "" {
		to = msg.GroupID
	}
	frame := protocol.EncodeMessage(s.localUserID, to, msg)
	s.send(frame)
}

// UpdateMessageStatus applies a status transition, rejecting regressions:
// read and failed always overwrite, anything else only moves forward.
func (s *Store) UpdateMessageStatus(messageID string, status models.MessageStatus) bool {
	s.mu.Lock()
	conv, c, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	current := conv.Messages[c].Status
	if status != models.StatusFailed && status != models.StatusRead {
		if statusRank[status] <= statusRank[current] && current != status {
			s.mu.Unlock()
			return false
		}
	}
	conv.Messages[c].Status = status
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateMessageReaction applies a reaction add or remove. Both directions
// are idempotent over the (user, emoji) set.
func (s *Store) UpdateMessageReaction(messageID, userID, emoji, action string) {
	s.mu.Lock()
	conv, c, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := &conv.Messages[c]
	switch action {
	case "remove":
		for i, r := range msg.Reactions {
			if r.UserID == userID && r.Emoji == emoji {
				msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
				break
			}
		}
	default:
		if !msg.HasReaction(userID, emoji) {
			msg.Reactions = append(msg.Reactions, models.Reaction{UserID: userID, Emoji: emoji})
		}
	}
	s.mu.Unlock()
	s.notify()
}

// UpdateEditedMessage applies a confirmed edit, local or remote.
func (s *Store) UpdateEditedMessage(messageID, text string, editedAt time.Time) {
	s.mu.Lock()
	conv, c, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := &conv.Messages[c]
	if msg.IsDeleted {
		s.mu.Unlock()
		return
	}
	msg.Text = text
	msg.IsEdited = true
	msg.EditedAt = &editedAt
	s.mu.Unlock()
	s.notify()
}

// UpdateDeletedMessage tombstones a message: text replaced, attachments
// cleared, flags set. Applies identically for local and remote deletes.
func (s *Store) UpdateDeletedMessage(messageID string) {
	now := time.Now().UTC()
	s.mu.Lock()
	conv, c, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := &conv.Messages[c]
	msg.Text = models.TombstoneText
	msg.Attachments = nil
	msg.IsDeleted = true
	msg.DeletedAt = &now
	s.mu.Unlock()
	s.notify()
}

// PinConversation sets the pinned flag.
func (s *Store) PinConversation(conversationID string, pinned bool) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conv.IsPinned = pinned
	s.persistShellLocked(conv)
	s.mu.Unlock()
	s.notify()
}

// MarkConversationAsUnread flags a conversation for later attention.
func (s *Store) MarkConversationAsUnread(conversationID string) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conv.IsUnread = true
	s.persistShellLocked(conv)
	s.mu.Unlock()
	s.notify()
}

// DeleteConversation removes the conversation entirely and clears the
// active reference if it pointed there.
func (s *Store) DeleteConversation(conversationID string) {
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conversations, conversationID)
	delete(s.typing, conversationID)
	if s.active == conversationID {
		s.active = ""
	}
	s.mu.Unlock()

	if err := s.snapshots.DeleteShell(context.Background(), conversationID); err != nil {
		s.log.Warnw("snapshot delete failed", "conversation_id", conversationID, "error", err)
	}
	s.notify()
}

// SetTyping records the counterpart's typing indicator with a short expiry.
func (s *Store) SetTyping(conversationID string, isTyping bool) {
	s.mu.Lock()
	if isTyping {
		s.typing[conversationID] = time.Now().Add(5 * time.Second)
	} else {
		delete(s.typing, conversationID)
	}
	s.mu.Unlock()
	s.notify()
}

// IsTyping reports whether the counterpart is typing right now.
func (s *Store) IsTyping(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.typing[conversationID]
	return ok && time.Now().Before(until)
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	out := *conv
	out.Messages = append([]models.Message(nil), conv.Messages...)
	return out, true
}

// Conversations returns summaries of all conversations.
func (s *Store) Conversations() []models.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationSummary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		summary := models.ConversationSummary{
			ID:           conv.ID,
			IsGroup:      conv.IsGroup,
			IsPinned:     conv.IsPinned,
			IsUnread:     conv.IsUnread,
			MessageCount: len(conv.Messages),
		}
		if n := len(conv.Messages); n > 0 {
			summary.LastText = conv.Messages[n-1].Text
		}
		out = append(out, summary)
	}
	return out
}

// counterpartKey resolves the owning conversation id for a message relative
// to the local user.
func (s *Store) counterpartKey(msg models.Message) string {
	if msg.GroupID != "" {
		return msg.GroupID
	}
	if msg.SenderID == s.localUserID {
		return msg.ReceiverID
	}
	if msg.ReceiverID != "" && msg.ReceiverID != s.localUserID && msg.ReceiverID != protocol.UnknownID {
		// Neither party is us: the recipient slot holds a room id.
		return msg.ReceiverID
	}
	return msg.SenderID
}

// ensureConversationLocked lazily creates a conversation shell. Reports
// whether it was newly created.
func (s *Store) ensureConversationLocked(conversationID string, isGroup bool) (*models.Conversation, bool) {
	if conv, ok := s.conversations[conversationID]; ok {
		return conv, false
	}
	if _, ok := s.groups[conversationID]; ok {
		isGroup = true
	}
	conv := &models.Conversation{ID: conversationID, IsGroup: isGroup}
	s.conversations[conversationID] = conv
	s.persistShellLocked(conv)
	return conv, true
}

func (s *Store) findMessageLocked(messageID string) (*models.Conversation, int, bool) {
	for _, conv := range s.conversations {
		for i := range conv.Messages {
			if conv.Messages[i].ID == messageID {
				return conv, i, true
			}
		}
	}
	return nil, 0, false
}

func containsMessageLocked(conv *models.Conversation, messageID string) bool {
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			return true
		}
	}
	return false
}

func newestIncomingLocked(conv *models.Conversation, localUserID string) (*models.Message, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].SenderID != localUserID {
			return &conv.Messages[i], true
		}
	}
	return nil, false
}

func (s *Store) markIncomingReadLocked(conv *models.Conversation) {
	for i := range conv.Messages {
		if conv.Messages[i].SenderID != s.localUserID &&
			statusRank[conv.Messages[i].Status] < statusRank[models.StatusRead] &&
			conv.Messages[i].Status != models.StatusFailed {
			conv.Messages[i].Status = models.StatusRead
		}
	}
}

// receiptTarget picks the wire recipient of a read receipt: the sender for
// direct chats, the group for group chats.
func receiptTarget(conv *models.Conversation, msg *models.Message) string {
	if conv.IsGroup {
		return conv.ID
	}
	return msg.SenderID
}

func (s *Store) emitReadReceipt(to, messageID string) {
	s.send(protocol.EncodeReadReceipt(s.localUserID, to, messageID))
}

func (s *Store) send(frame protocol.Frame) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		s.log.Errorw("frame marshal failed", "type", frame.Type, "error", err)
		return
	}
	if err := s.tx.Send(data); err != nil {
		s.log.Warnw("frame transmit failed", "type", frame.Type, "error", err)
	}
}

func (s *Store) persistShellLocked(conv *models.Conversation) {
	shell := snapshot.Shell{
		ConversationID:    conv.ID,
		IsGroup:           conv.IsGroup,
		IsPinned:          conv.IsPinned,
		IsUnread:          conv.IsUnread,
		LastReadMessageID: conv.LastReadMessageID,
	}
	if err := s.snapshots.SaveShell(context.Background(), shell); err != nil {
		s.log.Warnw("snapshot save failed", "conversation_id", conv.ID, "error", err)
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	subscribers := make([]func(), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn()
	}
}
