package repository

import (
	"time"

	"github.com/capitalize-ai/jobboard/internal/model"
)

// ProfileRecord is a user profile row.
type ProfileRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	FullName  string `gorm:"size:255;not null"`
	Role      string `gorm:"size:32;not null;default:candidate"`
	CreatedAt time.Time
}

func (ProfileRecord) TableName() string { return "profiles" }

// MemberRecord is one participant's side of a conversation. Each
// conversation has exactly two rows, one per participant.
type MemberRecord struct {
	ConversationID string        `gorm:"primaryKey;size:36"`
	UserID         string        `gorm:"primaryKey;size:36;index"`
	OtherUserID    string        `gorm:"size:36;not null;index"`
	Other          ProfileRecord `gorm:"foreignKey:OtherUserID;references:ID"`
	LastMessage    string        `gorm:"type:text"`
	LastMessageAt  time.Time     `gorm:"index"`
	UnreadCount    int           `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (MemberRecord) TableName() string { return "conversation_members" }

func (r MemberRecord) toModel() model.Conversation {
	return model.Conversation{
		ID: r.ConversationID,
		OtherUser: model.Participant{
			ID:       r.Other.ID,
			FullName: r.Other.FullName,
			Role:     model.Role(r.Other.Role),
		},
		LastMessage:   r.LastMessage,
		LastMessageAt: r.LastMessageAt,
		UnreadCount:   r.UnreadCount,
	}
}

// MessageRecord is a direct message row.
type MessageRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"size:36;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string    `gorm:"size:36;not null"`
	ReceiverID     string    `gorm:"size:36;not null;index"`
	Content        string    `gorm:"type:text;not null"`
	Read           bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created,priority:2"`
}

func (MessageRecord) TableName() string { return "messages" }

func (r MessageRecord) toModel() model.Message {
	return model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		Read:           r.Read,
	}
}

// NotificationRecord is a notification row.
type NotificationRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:36;not null;index:idx_notifications_user_created,priority:1"`
	Type      string    `gorm:"size:32;not null"`
	Title     string    `gorm:"size:255;not null"`
	Body      string    `gorm:"type:text"`
	Link      string    `gorm:"size:512"`
	Read      bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt time.Time `gorm:"index:idx_notifications_user_created,priority:2"`
}

func (NotificationRecord) TableName() string { return "notifications" }

func (r NotificationRecord) toModel() model.Notification {
	return model.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      model.NotificationType(r.Type),
		Title:     r.Title,
		Body:      r.Body,
		Link:      r.Link,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
}
