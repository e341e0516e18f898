package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/service"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	return service.ValidateMessageText(content)
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateNotificationID validates a notification ID.
func ValidateNotificationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid notification ID format")
	}
	return nil
}

// ValidateUserID validates a profile ID.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateNotification validates a notification creation request.
func ValidateNotification(req model.CreateNotificationRequest) error {
	if err := ValidateUserID(req.UserID); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return errors.New("unknown notification type")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errors.New("title cannot be empty")
	}
	if len(req.Title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if len(req.Body) > 2000 {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(req.Title) || !utf8.ValidString(req.Body) {
		return errors.New("notification text must be valid UTF-8")
	}
	if req.Link != "" && !strings.HasPrefix(req.Link, "/") {
		return errors.New("link must be an absolute path")
	}
	return nil
}
