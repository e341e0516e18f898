// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/config"
	"github.com/capitalize-ai/jobboard/internal/handler"
	natsclient "github.com/capitalize-ai/jobboard/internal/nats"
	"github.com/capitalize-ai/jobboard/internal/realtime"
	"github.com/capitalize-ai/jobboard/internal/repository"
	"github.com/capitalize-ai/jobboard/internal/service"
	"github.com/capitalize-ai/jobboard/pkg/logger"
	"github.com/capitalize-ai/jobboard/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "jobboard-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	cancelConnect()
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	feed := natsclient.NewChangeFeed(natsClient)
	bridge := realtime.NewBridge(feed, log)
	natsClient.OnClosed(bridge.Drop)
	defer bridge.Close()

	// Open the database
	db, err := repository.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	repo := repository.New(db, feed, log)

	// Per-user sessions
	sessions := service.NewSessionManager(repo, bridge, cfg.NotificationLimit, cfg.SessionIdleTTL, log)
	defer sessions.Close()

	runCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()
	go sessions.Run(runCtx)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
		Heartbeat:          handler.DefaultHeartbeat,
		Sessions:           sessions,
		Creator:            repo,
		NATS:               natsClient,
		DB:                 repo,
		Logger:             log,
	})

	// Event streams never go idle; their contexts end on shutdown.
	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
