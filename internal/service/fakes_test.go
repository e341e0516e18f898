package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/realtime"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

var errBackend = errors.New("backend unavailable")

// fakeTransport is an in-process realtime transport. emit delivers
// synchronously on the calling goroutine.
type fakeTransport struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func([]byte)
	err    error
}

type fakeSub struct {
	t       *fakeTransport
	subject string
	id      int
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs[s.subject], s.id)
	return nil
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]map[int]func([]byte))}
}

func (t *fakeTransport) Subscribe(subject string, deliver func([]byte)) (realtime.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.nextID++
	if t.subs[subject] == nil {
		t.subs[subject] = make(map[int]func([]byte))
	}
	t.subs[subject][t.nextID] = deliver
	return &fakeSub{t: t, subject: subject, id: t.nextID}, nil
}

func (t *fakeTransport) emit(tb testing.TB, table string, record any) {
	tb.Helper()
	raw, err := json.Marshal(record)
	require.NoError(tb, err)
	data, err := json.Marshal(model.ChangeEvent{Table: table, Kind: model.ChangeInsert, Record: raw})
	require.NoError(tb, err)

	t.mu.Lock()
	ids := make([]int, 0, len(t.subs[realtime.Subject(table, model.ChangeInsert)]))
	for id := range t.subs[realtime.Subject(table, model.ChangeInsert)] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subs[realtime.Subject(table, model.ChangeInsert)][id])
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// fakeBackend is an in-memory data service with injectable failures.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[string][]model.Conversation
	messages      map[string][]model.Message
	notifications map[string][]model.Notification
	inserted      []model.Message

	listConversationsErr error
	listMessagesErr      error
	markReadErr          error
	markOneErr           error
	insertErr            error
	listNotificationsErr error
	markNotificationErr  error

	beforeListMessages func()

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[string][]model.Conversation),
		messages:      make(map[string][]model.Message),
		notifications: make(map[string][]model.Notification),
		calls:         make(map[string]int),
	}
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListConversations"]++
	if b.listConversationsErr != nil {
		return nil, b.listConversationsErr
	}
	return append([]model.Conversation(nil), b.conversations[userID]...), nil
}

func (b *fakeBackend) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	b.mu.Lock()
	hook := b.beforeListMessages
	b.beforeListMessages = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListMessages"]++
	if b.listMessagesErr != nil {
		return nil, b.listMessagesErr
	}
	return append([]model.Message(nil), b.messages[conversationID]...), nil
}

func (b *fakeBackend) InsertMessage(_ context.Context, msg model.Message) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["InsertMessage"]++
	if b.insertErr != nil {
		return model.Message{}, b.insertErr
	}
	msg.ID = "sent-" + time.Now().Format("150405.000000000")
	msg.CreatedAt = time.Now()
	b.inserted = append(b.inserted, msg)
	return msg, nil
}

func (b *fakeBackend) MarkMessagesRead(_ context.Context, conversationID, receiverID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["MarkMessagesRead"]++
	if b.markReadErr != nil {
		return nil, b.markReadErr
	}
	var ids []string
	for i, m := range b.messages[conversationID] {
		if m.ReceiverID == receiverID && !m.Read {
			b.messages[conversationID][i].Read = true
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (b *fakeBackend) MarkMessageRead(_ context.Context, messageID, receiverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["MarkMessageRead"]++
	return b.markOneErr
}

func (b *fakeBackend) StartConversation(_ context.Context, userID, otherUserID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["StartConversation"]++
	for _, c := range b.conversations[userID] {
		if c.OtherUser.ID == otherUserID {
			return c.ID, nil
		}
	}
	id := "conv-" + otherUserID
	b.conversations[userID] = append(b.conversations[userID], model.Conversation{
		ID:            id,
		OtherUser:     model.Participant{ID: otherUserID, FullName: otherUserID},
		LastMessageAt: time.Now(),
	})
	return id, nil
}

func (b *fakeBackend) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListNotifications"]++
	if b.listNotificationsErr != nil {
		return nil, b.listNotificationsErr
	}
	notes := append([]model.Notification(nil), b.notifications[userID]...)
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt.After(notes[j].CreatedAt) })
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

func (b *fakeBackend) MarkNotificationRead(_ context.Context, notificationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["MarkNotificationRead"]++
	if b.markNotificationErr != nil {
		return b.markNotificationErr
	}
	for user, notes := range b.notifications {
		for i := range notes {
			if notes[i].ID == notificationID {
				b.notifications[user][i].Read = true
			}
		}
	}
	return nil
}

type harness struct {
	backend   *fakeBackend
	transport *fakeTransport
	bridge    *realtime.Bridge
	changes   []model.StoreChange
	mu        sync.Mutex
}

func newHarness() *harness {
	tr := newFakeTransport()
	return &harness{
		backend:   newFakeBackend(),
		transport: tr,
		bridge:    realtime.NewBridge(tr, logger.NewNop()),
	}
}

func (h *harness) record(c model.StoreChange) {
	h.mu.Lock()
	h.changes = append(h.changes, c)
	h.mu.Unlock()
}

func (h *harness) conversationStore(userID string) *ConversationStore {
	return NewConversationStore(context.Background(), userID, h.backend, h.bridge, logger.NewNop(), h.record)
}

func (h *harness) notificationFeed(userID string, limit int) *NotificationFeed {
	return NewNotificationFeed(userID, limit, h.backend, h.bridge, logger.NewNop(), h.record)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}
