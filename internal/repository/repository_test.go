package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

type published struct {
	table  string
	kind   model.ChangeKind
	record any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, table string, kind model.ChangeKind, record any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{table, kind, record})
	return nil
}

func (p *recordingPublisher) tables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.table
	}
	return out
}

func setupRepo(t *testing.T) (*Repository, *recordingPublisher) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))

	pub := &recordingPublisher{}
	repo := New(db, pub, logger.NewNop())

	ctx := context.Background()
	require.NoError(t, repo.UpsertProfile(ctx, model.Participant{ID: "alice", FullName: "Alice Martin", Role: model.RoleCandidate}))
	require.NoError(t, repo.UpsertProfile(ctx, model.Participant{ID: "bob", FullName: "Bob Durand", Role: model.RoleEmployer}))
	require.NoError(t, repo.UpsertProfile(ctx, model.Participant{ID: "carol", FullName: "Carol Petit", Role: model.RoleEmployer}))
	return repo, pub
}

func TestStartConversation_ReusesExisting(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	id, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := repo.StartConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = repo.StartConversation(ctx, "alice", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.StartConversation(ctx, "alice", "alice")
	assert.Error(t, err)
}

func TestInsertMessage_UpdatesBothMembers(t *testing.T) {
	repo, pub := setupRepo(t)
	ctx := context.Background()

	id, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := repo.InsertMessage(ctx, model.Message{
		ConversationID: id,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "Hello, is the position still open?",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Read)

	bobSide, err := repo.GetConversation(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, 1, bobSide.UnreadCount)
	assert.Equal(t, "Hello, is the position still open?", bobSide.LastMessage)
	assert.Equal(t, "Alice Martin", bobSide.OtherUser.FullName)

	aliceSide, err := repo.GetConversation(ctx, "alice", id)
	require.NoError(t, err)
	assert.Zero(t, aliceSide.UnreadCount)
	assert.Equal(t, model.RoleEmployer, aliceSide.OtherUser.Role)

	notes, err := repo.ListNotifications(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationMessage, notes[0].Type)
	assert.Equal(t, "/dashboard/messages?conversation="+id, notes[0].Link)

	assert.Equal(t, []string{model.TableMessages, model.TableNotifications}, pub.tables())
}

func TestInsertMessage_RejectsNonMembers(t *testing.T) {
	repo, pub := setupRepo(t)
	ctx := context.Background()

	id, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = repo.InsertMessage(ctx, model.Message{ConversationID: id, SenderID: "carol", ReceiverID: "bob", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, pub.tables())
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	withBob, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := repo.StartConversation(ctx, "alice", "carol")
	require.NoError(t, err)

	base := time.Now().UTC()
	_, err = repo.InsertMessage(ctx, model.Message{ConversationID: withCarol, SenderID: "carol", ReceiverID: "alice", Content: "older", CreatedAt: base})
	require.NoError(t, err)
	_, err = repo.InsertMessage(ctx, model.Message{ConversationID: withBob, SenderID: "bob", ReceiverID: "alice", Content: "newer", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	convs, err := repo.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, withBob, convs[0].ID)
	assert.Equal(t, withCarol, convs[1].ID)
}

func TestMarkMessagesRead(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	id, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := repo.InsertMessage(ctx, model.Message{ConversationID: id, SenderID: "bob", ReceiverID: "alice", Content: "ping", CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	_, err = repo.InsertMessage(ctx, model.Message{ConversationID: id, SenderID: "alice", ReceiverID: "bob", Content: "pong", CreatedAt: base.Add(5 * time.Second)})
	require.NoError(t, err)

	ids, err := repo.MarkMessagesRead(ctx, id, "alice")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	msgs, err := repo.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
		assert.Equal(t, m.ReceiverID == "alice", m.Read, "message %s", m.ID)
	}

	conv, err := repo.GetConversation(ctx, "alice", id)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCount)

	other, err := repo.GetConversation(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, 1, other.UnreadCount)
}

func TestMarkMessageRead_RecomputesCounter(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	id, err := repo.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	first, err := repo.InsertMessage(ctx, model.Message{ConversationID: id, SenderID: "bob", ReceiverID: "alice", Content: "one"})
	require.NoError(t, err)
	_, err = repo.InsertMessage(ctx, model.Message{ConversationID: id, SenderID: "bob", ReceiverID: "alice", Content: "two"})
	require.NoError(t, err)

	require.NoError(t, repo.MarkMessageRead(ctx, first.ID, "alice"))
	require.NoError(t, repo.MarkMessageRead(ctx, first.ID, "alice"))

	conv, err := repo.GetConversation(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)

	assert.ErrorIs(t, repo.MarkMessageRead(ctx, first.ID, "bob"), ErrNotFound)
}

func TestNotifications(t *testing.T) {
	repo, pub := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := repo.CreateNotification(ctx, model.CreateNotificationRequest{
			UserID: "alice",
			Type:   model.NotificationApplicationStatus,
			Title:  "Application updated",
			Link:   "/dashboard/applications",
		})
		require.NoError(t, err)
	}
	assert.Len(t, pub.tables(), 12)

	notes, err := repo.ListNotifications(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, notes, 10)
	for i := 1; i < len(notes); i++ {
		assert.False(t, notes[i].CreatedAt.After(notes[i-1].CreatedAt))
	}

	require.NoError(t, repo.MarkNotificationRead(ctx, notes[0].ID))
	require.NoError(t, repo.MarkNotificationRead(ctx, notes[0].ID))
	assert.ErrorIs(t, repo.MarkNotificationRead(ctx, "missing"), ErrNotFound)

	notes, err = repo.ListNotifications(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, notes[0].Read)
}

func TestPreview(t *testing.T) {
	short := "short message"
	assert.Equal(t, short, preview(short))

	long := make([]rune, previewLength+10)
	for i := range long {
		long[i] = 'é'
	}
	got := []rune(preview(string(long)))
	assert.Len(t, got, previewLength+1)
}
