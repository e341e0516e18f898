// Package service holds the per-user client state of the messaging core:
// the conversation store, the notification feed and the sessions that own
// them.
package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/realtime"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// MaxMessageLength is the largest accepted message body in bytes.
const MaxMessageLength = 100000

// ConversationBackend is the part of the data service the conversation
// store talks to.
type ConversationBackend interface {
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	InsertMessage(ctx context.Context, msg model.Message) (model.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, receiverID string) ([]string, error)
	MarkMessageRead(ctx context.Context, messageID, receiverID string) error
	StartConversation(ctx context.Context, userID, otherUserID string) (string, error)
}

// Subscriber hands out scoped realtime subscriptions.
type Subscriber interface {
	Subscribe(scope realtime.Scope, predicate realtime.Predicate, onEvent func(model.ChangeEvent), opts ...realtime.Option) (*realtime.Handle, error)
	Unsubscribe(h *realtime.Handle) error
}

// ConversationStore holds one user's conversation list and the messages
// of the conversation on display, kept current by realtime delivery.
type ConversationStore struct {
	userID   string
	backend  ConversationBackend
	bridge   Subscriber
	logger   *logger.Logger
	onChange func(model.StoreChange)

	// ctx bounds acknowledgements issued from realtime callbacks.
	ctx context.Context

	mu            sync.Mutex
	conversations []model.Conversation
	openID        string
	messages      []model.Message
	// opening is the conversation being opened; nothing is displayed
	// until its history and read state are committed.
	opening    string
	pending    []model.Message
	generation uint64
	convSub    *realtime.Handle
	inboxSub   *realtime.Handle
	// applied holds message ids already counted against the list, with
	// their conversation and creation time for pruning.
	applied map[string]appliedMessage
	loaded  bool
	stale   bool
	connErr error
	closed  bool
}

// NewConversationStore creates an empty store for userID.
func NewConversationStore(
	ctx context.Context,
	userID string,
	backend ConversationBackend,
	bridge Subscriber,
	log *logger.Logger,
	onChange func(model.StoreChange),
) *ConversationStore {
	if onChange == nil {
		onChange = func(model.StoreChange) {}
	}
	return &ConversationStore{
		ctx:      ctx,
		userID:   userID,
		backend:  backend,
		bridge:   bridge,
		logger:   log.ForUser("conversations", userID),
		onChange: onChange,
		applied:  make(map[string]appliedMessage),
	}
}

type appliedMessage struct {
	conversationID string
	createdAt      time.Time
}

func (s *ConversationStore) markApplied(m model.Message) {
	s.applied[m.ID] = appliedMessage{conversationID: m.ConversationID, createdAt: m.CreatedAt}
}

// pruneAppliedLocked forgets ids older than their conversation's last
// message in a freshly loaded list; the server counters include them.
func (s *ConversationStore) pruneAppliedLocked() {
	for id, a := range s.applied {
		i := indexOfConversation(s.conversations, a.conversationID)
		if i < 0 || a.createdAt.Before(s.conversations[i].LastMessageAt) {
			delete(s.applied, id)
		}
	}
}

func (s *ConversationStore) checkUser(op, userID string) error {
	if userID != s.userID {
		return fail(op, KindValidation, ErrWrongUser)
	}
	return nil
}

// LoadConversations fetches userID's conversations, most recent first,
// and replaces the local list. It also makes sure the inbox subscription
// that keeps non-displayed conversations current is live.
func (s *ConversationStore) LoadConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	const op = "load_conversations"
	if err := s.checkUser(op, userID); err != nil {
		return nil, err
	}

	if err := s.ensureInbox(); err != nil {
		return nil, fail(op, KindConnection, err)
	}

	convs, err := s.backend.ListConversations(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load conversations", zap.Error(err))
		return nil, fail(op, KindLoad, err)
	}
	sortConversations(convs)

	s.mu.Lock()
	s.conversations = convs
	s.loaded = true
	s.stale = false
	s.pruneAppliedLocked()
	out := cloneConversations(s.conversations)
	s.mu.Unlock()

	s.onChange(model.ChangeConversations)
	return out, nil
}

func (s *ConversationStore) ensureInbox() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrClosed
	}
	if s.inboxSub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	userID := s.userID
	h, err := s.bridge.Subscribe(
		realtime.Scope{Table: model.TableMessages, Kind: model.ChangeInsert, Key: "inbox:" + userID},
		func(e model.ChangeEvent) bool {
			var m model.Message
			return e.Decode(&m) == nil && (m.ReceiverID == userID || m.SenderID == userID)
		},
		s.onInboxEvent,
		realtime.WithOnDrop(s.onInboxDrop),
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.inboxSub != nil || s.closed {
		s.mu.Unlock()
		return s.bridge.Unsubscribe(h)
	}
	s.inboxSub = h
	if s.openID == "" || s.convSub != nil {
		s.connErr = nil
	}
	s.mu.Unlock()
	return nil
}

// Conversations returns the loaded conversation list.
func (s *ConversationStore) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.conversations)
}

// Search filters the loaded list by participant name, case-insensitively.
// It never calls the backend.
func (s *ConversationStore) Search(term string) []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterConversations(s.conversations, term)
}

func filterConversations(convs []model.Conversation, term string) []model.Conversation {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		if term == "" || strings.Contains(strings.ToLower(c.OtherUser.FullName), term) {
			out = append(out, c)
		}
	}
	return out
}

// UnreadTotal sums the unread counters of every loaded conversation.
func (s *ConversationStore) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// Loaded reports whether the list has been fetched at least once.
func (s *ConversationStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// NeedsReload reports whether a message arrived for a conversation that
// is not in the loaded list, or the inbox subscription was lost.
func (s *ConversationStore) NeedsReload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale || s.inboxSub == nil
}

// Err returns the last connection failure reported by the bridge, if any.
func (s *ConversationStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// Messages returns the id of the conversation on display and its messages.
func (s *ConversationStore) Messages() (string, []model.MessageView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID, s.viewsLocked()
}

func (s *ConversationStore) viewsLocked() []model.MessageView {
	views := make([]model.MessageView, len(s.messages))
	for i, m := range s.messages {
		views[i] = model.MessageView{Message: m, Own: m.SenderID == s.userID}
	}
	return views
}

// OpenConversation displays a conversation: the previous conversation
// subscription is released before a new one is made, the history is
// loaded, and every message addressed to userID is marked read. Nothing is
// displayed while the open is in flight; the history, the read flags and
// the unread counter are committed together, and only if both remote calls
// succeed while the conversation is still the one being opened.
func (s *ConversationStore) OpenConversation(ctx context.Context, userID, conversationID string) ([]model.MessageView, error) {
	const op = "open_conversation"
	if err := s.checkUser(op, userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fail(op, KindConnection, realtime.ErrClosed)
	}
	if indexOfConversation(s.conversations, conversationID) < 0 {
		s.mu.Unlock()
		return nil, fail(op, KindValidation, ErrNotFound)
	}
	s.generation++
	gen := s.generation
	previous := s.convSub
	s.convSub = nil
	s.openID = ""
	s.messages = nil
	s.opening = conversationID
	s.pending = nil
	s.mu.Unlock()
	s.onChange(model.ChangeMessages)

	if err := s.bridge.Unsubscribe(previous); err != nil {
		s.logger.Warn("failed to release conversation subscription", zap.Error(err))
	}

	h, err := s.bridge.Subscribe(
		realtime.Scope{Table: model.TableMessages, Kind: model.ChangeInsert, Key: "conversation:" + conversationID},
		func(e model.ChangeEvent) bool {
			var m model.Message
			return e.Decode(&m) == nil && m.ConversationID == conversationID
		},
		func(e model.ChangeEvent) { s.onConversationEvent(gen, e) },
		realtime.WithOnDrop(func(err error) { s.onConversationDrop(gen, err) }),
	)
	if err != nil {
		s.mu.Lock()
		if gen == s.generation {
			s.opening = ""
			s.pending = nil
			s.connErr = err
		}
		s.mu.Unlock()
		return nil, fail(op, KindConnection, err)
	}

	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		_ = s.bridge.Unsubscribe(h)
		return nil, ErrSuperseded
	}
	s.convSub = h
	if s.inboxSub != nil {
		s.connErr = nil
	}
	s.mu.Unlock()

	history, err := s.backend.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("failed to load messages", logger.ConversationID(conversationID), zap.Error(err))
		s.abandonOpen(gen, h)
		return nil, fail(op, KindLoad, err)
	}

	s.mu.Lock()
	superseded := gen != s.generation
	s.mu.Unlock()
	if superseded {
		return nil, ErrSuperseded
	}

	readIDs, err := s.backend.MarkMessagesRead(ctx, conversationID, userID)
	if err != nil {
		s.logger.Warn("failed to mark messages read", logger.ConversationID(conversationID), zap.Error(err))
		s.abandonOpen(gen, h)
		return nil, fail(op, KindCommand, err)
	}
	marked := make(map[string]bool, len(readIDs))
	for _, id := range readIDs {
		marked[id] = true
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("discarding stale open", logger.ConversationID(conversationID))
		return nil, ErrSuperseded
	}
	var messages []model.Message
	for _, m := range history {
		if m.ReceiverID == userID {
			m.Read = true
		}
		messages = mergeMessage(messages, m, true)
		s.markApplied(m)
	}
	// Deliveries that raced the open: those the bulk update covered are
	// read, the rest go through the regular acknowledgement path.
	var late []model.Message
	for _, m := range s.pending {
		if containsMessage(messages, m.ID) {
			continue
		}
		if m.ReceiverID == userID && !m.Read && !marked[m.ID] {
			delete(s.applied, m.ID)
			late = append(late, m)
			continue
		}
		if m.ReceiverID == userID {
			m.Read = true
		}
		messages = mergeMessage(messages, m, false)
		s.markApplied(m)
	}
	s.openID = conversationID
	s.opening = ""
	s.pending = nil
	s.messages = messages
	if i := indexOfConversation(s.conversations, conversationID); i >= 0 {
		s.conversations[i].UnreadCount = countUnread(s.messages, userID)
	}
	s.mu.Unlock()

	for _, m := range late {
		s.applyConversationMessage(gen, m)
	}

	s.mu.Lock()
	views := s.viewsLocked()
	s.mu.Unlock()

	s.onChange(model.ChangeMessages)
	s.onChange(model.ChangeConversations)
	return views, nil
}

// abandonOpen releases the subscription of a failed open. The list and
// its counters are left as they were.
func (s *ConversationStore) abandonOpen(gen uint64, h *realtime.Handle) {
	s.mu.Lock()
	if gen == s.generation {
		s.convSub = nil
		s.opening = ""
		s.pending = nil
	}
	s.mu.Unlock()

	if err := s.bridge.Unsubscribe(h); err != nil {
		s.logger.Warn("failed to release conversation subscription", zap.Error(err))
	}
}

// CloseConversation stops displaying the open conversation.
func (s *ConversationStore) CloseConversation() {
	s.mu.Lock()
	s.generation++
	previous := s.convSub
	s.convSub = nil
	s.openID = ""
	s.messages = nil
	s.opening = ""
	s.pending = nil
	s.mu.Unlock()

	if err := s.bridge.Unsubscribe(previous); err != nil {
		s.logger.Warn("failed to release conversation subscription", zap.Error(err))
	}
	s.onChange(model.ChangeMessages)
}

// SendMessage posts text to the other participant of a loaded
// conversation. The message is not added locally; it shows up once the
// realtime feed delivers it.
func (s *ConversationStore) SendMessage(ctx context.Context, userID, conversationID, text string) (model.Message, error) {
	const op = "send_message"
	if err := s.checkUser(op, userID); err != nil {
		return model.Message{}, err
	}
	if err := ValidateMessageText(text); err != nil {
		return model.Message{}, fail(op, KindValidation, err)
	}

	s.mu.Lock()
	i := indexOfConversation(s.conversations, conversationID)
	var receiverID string
	if i >= 0 {
		receiverID = s.conversations[i].OtherUser.ID
	}
	s.mu.Unlock()
	if i < 0 {
		return model.Message{}, fail(op, KindValidation, ErrNotFound)
	}

	msg, err := s.backend.InsertMessage(ctx, model.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		ReceiverID:     receiverID,
		Content:        text,
	})
	if err != nil {
		s.logger.Warn("failed to send message", logger.ConversationID(conversationID), zap.Error(err))
		return model.Message{}, fail(op, KindCommand, err)
	}
	return msg, nil
}

// StartConversation finds or creates the conversation with otherUserID,
// reloads the list and sends the first message.
func (s *ConversationStore) StartConversation(ctx context.Context, userID, otherUserID, text string) (string, error) {
	const op = "start_conversation"
	if err := s.checkUser(op, userID); err != nil {
		return "", err
	}
	if err := ValidateMessageText(text); err != nil {
		return "", fail(op, KindValidation, err)
	}

	id, err := s.backend.StartConversation(ctx, userID, otherUserID)
	if err != nil {
		return "", fail(op, KindCommand, err)
	}
	if _, err := s.LoadConversations(ctx, userID); err != nil {
		return id, err
	}
	if _, err := s.SendMessage(ctx, userID, id, text); err != nil {
		return id, err
	}
	return id, nil
}

// OnMessageEvent merges a delivered message for the conversation on
// display. Messages addressed to the user are acknowledged first; if the
// acknowledgement fails the message stays unread and is counted.
func (s *ConversationStore) OnMessageEvent(msg model.Message) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.applyConversationMessage(gen, msg)
}

func (s *ConversationStore) onConversationEvent(gen uint64, e model.ChangeEvent) {
	var msg model.Message
	if err := e.Decode(&msg); err != nil {
		s.logger.Warn("dropping undecodable message event", zap.Error(err))
		return
	}
	s.applyConversationMessage(gen, msg)
}

func (s *ConversationStore) applyConversationMessage(gen uint64, msg model.Message) {
	s.mu.Lock()
	if gen == s.generation && s.opening != "" && msg.ConversationID == s.opening {
		// Held until the open commits; the inbox keeps the list current.
		if !containsMessage(s.pending, msg.ID) {
			s.pending = append(s.pending, msg)
		}
		s.mu.Unlock()
		return
	}
	current := gen == s.generation && msg.ConversationID == s.openID
	if current && containsMessage(s.messages, msg.ID) {
		s.mu.Unlock()
		return
	}
	if !current {
		s.mu.Unlock()
		// The view moved on; treat it like any other conversation.
		s.applyInboxMessage(msg)
		return
	}
	s.mu.Unlock()

	if msg.ReceiverID == s.userID && !msg.Read {
		if err := s.backend.MarkMessageRead(s.ctx, msg.ID, s.userID); err != nil {
			s.logger.Warn("failed to acknowledge message", logger.MessageID(msg.ID), zap.Error(err))
		} else {
			msg.Read = true
		}
	}

	s.mu.Lock()
	if gen != s.generation || msg.ConversationID != s.openID {
		s.mu.Unlock()
		s.applyInboxMessage(msg)
		return
	}
	if containsMessage(s.messages, msg.ID) {
		s.mu.Unlock()
		return
	}
	s.messages = mergeMessage(s.messages, msg, false)
	s.touchConversationLocked(msg)
	s.mu.Unlock()

	s.onChange(model.ChangeMessages)
	s.onChange(model.ChangeConversations)
}

func (s *ConversationStore) onInboxEvent(e model.ChangeEvent) {
	var msg model.Message
	if err := e.Decode(&msg); err != nil {
		s.logger.Warn("dropping undecodable message event", zap.Error(err))
		return
	}

	s.mu.Lock()
	displayed := msg.ConversationID == s.openID
	s.mu.Unlock()
	if displayed {
		return
	}
	s.applyInboxMessage(msg)
}

// applyInboxMessage updates the list entry of a conversation that is not
// on display.
func (s *ConversationStore) applyInboxMessage(msg model.Message) {
	s.mu.Lock()
	if _, done := s.applied[msg.ID]; done {
		s.mu.Unlock()
		return
	}
	if indexOfConversation(s.conversations, msg.ConversationID) < 0 {
		s.stale = true
		s.mu.Unlock()
		s.onChange(model.ChangeConversations)
		return
	}
	s.touchConversationLocked(msg)
	s.mu.Unlock()

	s.onChange(model.ChangeConversations)
}

// touchConversationLocked applies msg to its list entry: last message
// fields, unread counter, and position.
func (s *ConversationStore) touchConversationLocked(msg model.Message) {
	if _, done := s.applied[msg.ID]; done {
		return
	}
	i := indexOfConversation(s.conversations, msg.ConversationID)
	if i < 0 {
		s.stale = true
		return
	}
	s.markApplied(msg)

	c := &s.conversations[i]
	if !msg.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessage = msg.Content
		c.LastMessageAt = msg.CreatedAt
	}
	if msg.ReceiverID == s.userID && !msg.Read {
		c.UnreadCount++
	}
	sortConversations(s.conversations)
}

func (s *ConversationStore) onConversationDrop(gen uint64, err error) {
	s.mu.Lock()
	if gen == s.generation {
		s.convSub = nil
		s.connErr = err
	}
	s.mu.Unlock()
	s.logger.Warn("conversation subscription dropped", zap.Error(err))
	s.onChange(model.ChangeMessages)
}

func (s *ConversationStore) onInboxDrop(err error) {
	s.mu.Lock()
	s.inboxSub = nil
	s.connErr = err
	s.mu.Unlock()
	s.logger.Warn("inbox subscription dropped", zap.Error(err))
	s.onChange(model.ChangeConversations)
}

// Close releases every subscription the store holds.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.generation++
	handles := []*realtime.Handle{s.convSub, s.inboxSub}
	s.convSub, s.inboxSub = nil, nil
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.bridge.Unsubscribe(h); err != nil {
			s.logger.Warn("failed to release subscription", zap.Error(err))
		}
	}
}

// ValidateMessageText rejects blank, oversized, or malformed text.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	return nil
}

// mergeMessage inserts m keeping msgs ascending. A message already held
// is kept unless replace is set.
func mergeMessage(msgs []model.Message, m model.Message, replace bool) []model.Message {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			if replace {
				msgs[i] = m
			}
			return msgs
		}
	}
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(msgs[i]) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

func containsMessage(msgs []model.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}

func countUnread(msgs []model.Message, userID string) int {
	n := 0
	for _, m := range msgs {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n
}

func indexOfConversation(convs []model.Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

func cloneConversations(convs []model.Conversation) []model.Conversation {
	return append([]model.Conversation(nil), convs...)
}

// IsSuperseded reports whether err means the result was discarded because
// the view changed.
func IsSuperseded(err error) bool {
	return errors.Is(err, ErrSuperseded)
}
