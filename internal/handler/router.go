package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/jobboard/internal/middleware"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// RouterConfig wires the API routes.
type RouterConfig struct {
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	Heartbeat          time.Duration

	Sessions Sessions
	Creator  NotificationCreator
	NATS     ConnChecker
	DB       Pinger
	Logger   *logger.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger

	healthHandler := NewHealthHandler(cfg.NATS, cfg.DB)
	conversationHandler := NewConversationHandler(cfg.Sessions, log)
	messageHandler := NewMessageHandler(cfg.Sessions, log)
	notificationHandler := NewNotificationHandler(cfg.Sessions, cfg.Creator, log)
	streamHandler := NewStreamHandler(cfg.Sessions, cfg.Heartbeat, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required), limited per client IP
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/events", streamHandler.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/", conversationHandler.Start)
			r.Post("/close", conversationHandler.Close)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/open", conversationHandler.Open)
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
			})
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Post("/{id}/read", notificationHandler.MarkRead)
			r.Post("/{id}/activate", notificationHandler.Activate)
		})

		r.With(middleware.RequireScope(middleware.ScopeNotificationsWrite)).
			Post("/admin/notifications", notificationHandler.Create)
	})

	return r
}
