package model

import (
	"time"
)

// Conversation is a conversation as seen by one member.
type Conversation struct {
	ID            string      `json:"id"`
	OtherUser     Participant `json:"other_user"`
	LastMessage   string      `json:"last_message"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
}

// StartConversationRequest is the request to start a conversation with a user.
type StartConversationRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	UnreadTotal   int            `json:"unread_total"`
}
