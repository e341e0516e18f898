package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/middleware"
	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/service"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// NotificationCreator stores a notification and publishes it.
type NotificationCreator interface {
	CreateNotification(ctx context.Context, req model.CreateNotificationRequest) (model.Notification, error)
}

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	sessions Sessions
	creator  NotificationCreator
	logger   *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(sessions Sessions, creator NotificationCreator, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		sessions: sessions,
		creator:  creator,
		logger:   log.Named("notifications"),
	}
}

func ensureNotifications(ctx context.Context, s *service.Session, force bool) error {
	if !force && s.Notifications.Loaded() {
		return nil
	}
	_, err := s.Notifications.LoadRecent(ctx, s.UserID)
	return err
}

func notificationsResponse(f *service.NotificationFeed) *model.ListNotificationsResponse {
	return &model.ListNotificationsResponse{
		Notifications: f.Notifications(),
		UnreadCount:   f.UnreadCount(),
	}
}

// List handles GET /api/v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.sessions.Get(middleware.GetUserID(ctx))

	if err := ensureNotifications(ctx, s, r.URL.Query().Get("refresh") == "true"); err != nil {
		writeStoreError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, notificationsResponse(s.Notifications))
}

// MarkRead handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	notificationID := chi.URLParam(r, "id")

	if err := middleware.ValidateNotificationID(notificationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(middleware.GetUserID(ctx))
	if err := ensureNotifications(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}

	if err := s.Notifications.MarkRead(ctx, s.UserID, notificationID); err != nil {
		writeStoreError(w, log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/v1/notifications/{id}/activate. It marks the
// notification read and tells the client where to navigate.
func (h *NotificationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	notificationID := chi.URLParam(r, "id")

	if err := middleware.ValidateNotificationID(notificationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.sessions.Get(middleware.GetUserID(ctx))
	if err := ensureNotifications(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}

	link, err := s.Notifications.Activate(ctx, s.UserID, notificationID)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ActivateNotificationResponse{Link: link})
}

// Create handles POST /api/v1/admin/notifications
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateNotification(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	note, err := h.creator.CreateNotification(ctx, req)
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Error("failed to create notification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create notification")
		return
	}

	writeJSON(w, http.StatusCreated, note)
}
