package model

import (
	"time"
)

// NotificationType tags what triggered a notification.
type NotificationType string

const (
	NotificationApplicationStatus NotificationType = "application_status"
	NotificationMessage           NotificationType = "message"
	NotificationJob               NotificationType = "job"
	NotificationSystem            NotificationType = "system"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationApplicationStatus, NotificationMessage, NotificationJob, NotificationSystem:
		return true
	}
	return false
}

// Notification is a notice addressed to one user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"message"`
	Link      string           `json:"link,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// CreateNotificationRequest is the request to create a notification.
type CreateNotificationRequest struct {
	UserID string           `json:"user_id"`
	Type   NotificationType `json:"type"`
	Title  string           `json:"title"`
	Body   string           `json:"message"`
	Link   string           `json:"link,omitempty"`
}

// ListNotificationsResponse is the response for listing notifications.
type ListNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

// ActivateNotificationResponse tells the caller where to navigate.
type ActivateNotificationResponse struct {
	Link string `json:"link,omitempty"`
}
