// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/jobboard/internal/middleware"
	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/service"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// Sessions hands out the per-user session stores.
type Sessions interface {
	Get(userID string) *service.Session
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions Sessions
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions Sessions, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   log.Named("conversations"),
	}
}

// ensureConversations loads the list on first use and whenever a delivery
// showed it to be missing a conversation.
func ensureConversations(ctx context.Context, s *service.Session, force bool) error {
	store := s.Conversations
	if !force && store.Loaded() && !store.NeedsReload() {
		return nil
	}
	_, err := store.LoadConversations(ctx, s.UserID)
	return err
}

// List handles GET /api/v1/conversations. The optional q parameter filters
// the held list by participant name without another backend round trip;
// refresh=true forces a reload.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.sessions.Get(middleware.GetUserID(ctx))

	if err := ensureConversations(ctx, s, r.URL.Query().Get("refresh") == "true"); err != nil {
		writeStoreError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	convs := s.Conversations.Search(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
		UnreadTotal:   s.Conversations.UnreadTotal(),
	})
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(middleware.GetUserID(ctx))
	if err := ensureConversations(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}

	views, err := s.Conversations.OpenConversation(ctx, s.UserID, conversationID)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       views,
	})
}

// Close handles POST /api/v1/conversations/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Get(middleware.GetUserID(r.Context()))
	s.Conversations.CloseConversation()
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /api/v1/conversations. It reuses an existing
// conversation with the same user.
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	userID := middleware.GetUserID(ctx)

	var req model.StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == userID {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(userID)
	id, err := s.Conversations.StartConversation(ctx, userID, req.UserID, req.Content)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}
