package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
	"github.com/capitalize-ai/jobboard/pkg/metrics"
	"github.com/capitalize-ai/jobboard/pkg/tracing"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("record not found")

const previewLength = 120

// Publisher emits row-level change events.
type Publisher interface {
	Publish(ctx context.Context, table string, kind model.ChangeKind, record any) error
}

// Repository implements the data service on top of gorm.
type Repository struct {
	db        *gorm.DB
	publisher Publisher
	tracer    trace.Tracer
	logger    *logger.Logger
}

// New creates a repository. Every committed change is handed to publisher.
func New(db *gorm.DB, publisher Publisher, log *logger.Logger) *Repository {
	return &Repository{
		db:        db,
		publisher: publisher,
		tracer:    tracing.Tracer("jobboard/repository"),
		logger:    log.Named("repository"),
	}
}

func (r *Repository) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "repository."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// publish is best effort: the row is already committed, so a failed
// publish delays delivery until the next load rather than failing the
// command.
func (r *Repository) publish(ctx context.Context, table string, kind model.ChangeKind, record any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, table, kind, record); err != nil {
		r.logger.Warn("failed to publish change event",
			zap.String("table", table),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertProfile creates or updates a profile.
func (r *Repository) UpsertProfile(ctx context.Context, p model.Participant) error {
	rec := ProfileRecord{ID: p.ID, FullName: p.FullName, Role: string(p.Role)}
	if rec.Role == "" {
		rec.Role = string(model.RoleCandidate)
	}
	return r.db.WithContext(ctx).Save(&rec).Error
}

// ListConversations returns userID's conversations, most recent first,
// with the other participant's profile attached.
func (r *Repository) ListConversations(ctx context.Context, userID string) (convs []model.Conversation, err error) {
	ctx, span := r.span(ctx, "ListConversations", attribute.String("user_id", userID))
	defer func() { finish(span, err) }()

	var rows []MemberRecord
	err = r.db.WithContext(ctx).
		Preload("Other").
		Where("user_id = ?", userID).
		Order("last_message_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	convs = make([]model.Conversation, len(rows))
	for i, row := range rows {
		convs[i] = row.toModel()
	}
	return convs, nil
}

// GetConversation returns one conversation as seen by userID.
func (r *Repository) GetConversation(ctx context.Context, userID, conversationID string) (conv model.Conversation, err error) {
	ctx, span := r.span(ctx, "GetConversation", attribute.String("conversation_id", conversationID))
	defer func() { finish(span, err) }()

	var row MemberRecord
	err = r.db.WithContext(ctx).
		Preload("Other").
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	return row.toModel(), nil
}

// StartConversation returns the conversation between userID and
// otherUserID, creating both member rows if none exists yet.
func (r *Repository) StartConversation(ctx context.Context, userID, otherUserID string) (id string, err error) {
	ctx, span := r.span(ctx, "StartConversation",
		attribute.String("user_id", userID),
		attribute.String("other_user_id", otherUserID),
	)
	defer func() { finish(span, err) }()

	if userID == otherUserID {
		return "", fmt.Errorf("cannot start a conversation with yourself")
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MemberRecord
		err := tx.Where("user_id = ? AND other_user_id = ?", userID, otherUserID).First(&existing).Error
		if err == nil {
			id = existing.ConversationID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&ProfileRecord{}).Where("id IN ?", []string{userID, otherUserID}).Count(&count).Error; err != nil {
			return err
		}
		if count != 2 {
			return ErrNotFound
		}

		id = uuid.Must(uuid.NewV7()).String()
		now := time.Now().UTC()
		members := []MemberRecord{
			{ConversationID: id, UserID: userID, OtherUserID: otherUserID, LastMessageAt: now},
			{ConversationID: id, UserID: otherUserID, OtherUserID: userID, LastMessageAt: now},
		}
		return tx.Omit("Other").Create(&members).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to start conversation: %w", err)
	}
	return id, nil
}

// ListMessages returns every message of a conversation, oldest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string) (msgs []model.Message, err error) {
	ctx, span := r.span(ctx, "ListMessages", attribute.String("conversation_id", conversationID))
	defer func() { finish(span, err) }()

	var rows []MessageRecord
	err = r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs = make([]model.Message, len(rows))
	for i, row := range rows {
		msgs[i] = row.toModel()
	}
	return msgs, nil
}

// InsertMessage stores msg, refreshes both participants' conversation
// rows, bumps the receiver's unread counter and notifies the receiver.
func (r *Repository) InsertMessage(ctx context.Context, msg model.Message) (stored model.Message, err error) {
	ctx, span := r.span(ctx, "InsertMessage", attribute.String("conversation_id", msg.ConversationID))
	defer func() { finish(span, err) }()

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Read = false

	rec := MessageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	note := NotificationRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    msg.ReceiverID,
		Type:      string(model.NotificationMessage),
		Title:     "New message",
		Body:      preview(msg.Content),
		Link:      "/dashboard/messages?conversation=" + msg.ConversationID,
		CreatedAt: msg.CreatedAt,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var members int64
		if err := tx.Model(&MemberRecord{}).
			Where("conversation_id = ? AND user_id IN ?", msg.ConversationID, []string{msg.SenderID, msg.ReceiverID}).
			Count(&members).Error; err != nil {
			return err
		}
		if members != 2 {
			return ErrNotFound
		}

		if err := tx.Create(&rec).Error; err != nil {
			return err
		}

		last := map[string]any{
			"last_message":    rec.Content,
			"last_message_at": rec.CreatedAt,
		}
		if err := tx.Model(&MemberRecord{}).
			Where("conversation_id = ? AND user_id = ?", msg.ConversationID, msg.SenderID).
			Updates(last).Error; err != nil {
			return err
		}

		last["unread_count"] = gorm.Expr("unread_count + 1")
		if err := tx.Model(&MemberRecord{}).
			Where("conversation_id = ? AND user_id = ?", msg.ConversationID, msg.ReceiverID).
			Updates(last).Error; err != nil {
			return err
		}

		return tx.Create(&note).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Message{}, err
		}
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	stored = rec.toModel()
	metrics.MessagesTotal.Inc()
	metrics.NotificationsTotal.WithLabelValues(note.Type).Inc()

	r.publish(ctx, model.TableMessages, model.ChangeInsert, stored)
	r.publish(ctx, model.TableNotifications, model.ChangeInsert, note.toModel())
	return stored, nil
}

// MarkMessagesRead flags every unread message addressed to receiverID in
// the conversation as read and zeroes the receiver's unread counter. It
// returns the ids that were flipped.
func (r *Repository) MarkMessagesRead(ctx context.Context, conversationID, receiverID string) (ids []string, err error) {
	ctx, span := r.span(ctx, "MarkMessagesRead",
		attribute.String("conversation_id", conversationID),
		attribute.String("receiver_id", receiverID),
	)
	defer func() { finish(span, err) }()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MessageRecord{}).
			Where("conversation_id = ? AND receiver_id = ? AND is_read = ?", conversationID, receiverID, false).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Model(&MessageRecord{}).
				Where("id IN ?", ids).
				Update("is_read", true).Error; err != nil {
				return err
			}
		}
		return tx.Model(&MemberRecord{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, receiverID).
			Update("unread_count", 0).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}

	span.SetAttributes(attribute.Int("marked", len(ids)))
	return ids, nil
}

// MarkMessageRead flags one message addressed to receiverID as read and
// recomputes the receiver's unread counter.
func (r *Repository) MarkMessageRead(ctx context.Context, messageID, receiverID string) (err error) {
	ctx, span := r.span(ctx, "MarkMessageRead", attribute.String("message_id", messageID))
	defer func() { finish(span, err) }()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec MessageRecord
		if err := tx.Where("id = ? AND receiver_id = ?", messageID, receiverID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if rec.Read {
			return nil
		}
		if err := tx.Model(&rec).Update("is_read", true).Error; err != nil {
			return err
		}

		var unread int64
		if err := tx.Model(&MessageRecord{}).
			Where("conversation_id = ? AND receiver_id = ? AND is_read = ?", rec.ConversationID, receiverID, false).
			Count(&unread).Error; err != nil {
			return err
		}
		return tx.Model(&MemberRecord{}).
			Where("conversation_id = ? AND user_id = ?", rec.ConversationID, receiverID).
			Update("unread_count", unread).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// ListNotifications returns the most recent notifications of userID.
func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int) (notes []model.Notification, err error) {
	ctx, span := r.span(ctx, "ListNotifications", attribute.String("user_id", userID))
	defer func() { finish(span, err) }()

	var rows []NotificationRecord
	err = r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	notes = make([]model.Notification, len(rows))
	for i, row := range rows {
		notes[i] = row.toModel()
	}
	return notes, nil
}

// MarkNotificationRead flags a notification as read.
func (r *Repository) MarkNotificationRead(ctx context.Context, notificationID string) (err error) {
	ctx, span := r.span(ctx, "MarkNotificationRead", attribute.String("notification_id", notificationID))
	defer func() { finish(span, err) }()

	res := r.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ?", notificationID).
		Update("is_read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&NotificationRecord{}).Where("id = ?", notificationID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// CreateNotification stores a notification and publishes it.
func (r *Repository) CreateNotification(ctx context.Context, req model.CreateNotificationRequest) (note model.Notification, err error) {
	ctx, span := r.span(ctx, "CreateNotification", attribute.String("user_id", req.UserID))
	defer func() { finish(span, err) }()

	rec := NotificationRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    req.UserID,
		Type:      string(req.Type),
		Title:     req.Title,
		Body:      req.Body,
		Link:      req.Link,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Type == "" {
		rec.Type = string(model.NotificationSystem)
	}

	if err = r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.Notification{}, fmt.Errorf("failed to create notification: %w", err)
	}

	note = rec.toModel()
	metrics.NotificationsTotal.WithLabelValues(rec.Type).Inc()
	r.publish(ctx, model.TableNotifications, model.ChangeInsert, note)
	return note, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
