package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/jobboard/internal/middleware"
	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sessions Sessions
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions Sessions, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   log.Named("messages"),
	}
}

// List handles GET /api/v1/conversations/{id}/messages. It returns the
// messages held for the open conversation; open it first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(middleware.GetUserID(ctx))
	openID, views := s.Conversations.Messages()
	if openID != conversationID {
		writeError(w, http.StatusConflict, "conversation is not open")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		ConversationID: openID,
		Messages:       views,
	})
}

// Send handles POST /api/v1/conversations/{id}/messages. The message is
// accepted, not echoed into the open conversation; it arrives through the
// event stream like any other.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(middleware.GetUserID(ctx))
	if err := ensureConversations(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}

	msg, err := s.Conversations.SendMessage(ctx, s.UserID, conversationID, req.Content)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, msg)
}
