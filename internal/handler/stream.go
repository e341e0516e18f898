package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/middleware"
	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/service"
	"github.com/capitalize-ai/jobboard/pkg/logger"
	"github.com/capitalize-ai/jobboard/pkg/metrics"
)

// DefaultHeartbeat is how often an idle event stream sends a heartbeat.
const DefaultHeartbeat = 30 * time.Second

// StreamHandler pushes session changes to the browser over SSE.
type StreamHandler struct {
	sessions  Sessions
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions Sessions, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		sessions:  sessions,
		logger:    log.Named("stream"),
		heartbeat: heartbeat,
	}
}

// ConnectedEvent opens every event stream.
type ConnectedEvent struct {
	UserID              string `json:"user_id"`
	UnreadMessages      int    `json:"unread_messages"`
	UnreadNotifications int    `json:"unread_notifications"`
}

// Stream handles GET /api/v1/events. Each change to the caller's session is
// sent as a snapshot of the part that changed: "conversations", "messages"
// or "notifications". A lost realtime connection is reported as an "error"
// event; the next navigation request reconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	s := h.sessions.Get(middleware.GetUserID(ctx))

	if err := ensureConversations(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}
	if err := ensureNotifications(ctx, s, false); err != nil {
		writeStoreError(w, log, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("write deadline not cleared", zap.Error(err))
	}

	changes, stop := s.Watch()
	defer stop()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", &ConnectedEvent{
		UserID:              s.UserID,
		UnreadMessages:      s.Conversations.UnreadTotal(),
		UnreadNotifications: s.Notifications.UnreadCount(),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case change := <-changes:
			if err := h.sendChange(w, flusher, s, change); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) sendChange(w http.ResponseWriter, flusher http.Flusher, s *service.Session, change model.StoreChange) error {
	var connErr error
	var payload interface{}

	switch change {
	case model.ChangeConversations:
		convs := s.Conversations.Conversations()
		payload = &model.ListConversationsResponse{
			Conversations: convs,
			Total:         len(convs),
			UnreadTotal:   s.Conversations.UnreadTotal(),
		}
		connErr = s.Conversations.Err()
	case model.ChangeMessages:
		openID, views := s.Conversations.Messages()
		payload = &model.ListMessagesResponse{ConversationID: openID, Messages: views}
		connErr = s.Conversations.Err()
	case model.ChangeNotifications:
		payload = notificationsResponse(s.Notifications)
		connErr = s.Notifications.Err()
	default:
		return nil
	}

	if connErr != nil {
		if err := sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "connection_lost",
			Message: connErr.Error(),
		}); err != nil {
			return err
		}
	}
	return sendSSEEvent(w, flusher, string(change), payload)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
