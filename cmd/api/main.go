// Package main is the entry point for the messaging API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/broker"
	"github.com/MrCobi/periodico-messaging/internal/config"
	"github.com/MrCobi/periodico-messaging/internal/handler"
	"github.com/MrCobi/periodico-messaging/internal/middleware"
	natsclient "github.com/MrCobi/periodico-messaging/internal/nats"
	"github.com/MrCobi/periodico-messaging/internal/service"
	"github.com/MrCobi/periodico-messaging/internal/store"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
	"github.com/MrCobi/periodico-messaging/pkg/tracing"
)

// dataStore is the full surface both store implementations provide.
type dataStore interface {
	service.MessageStore
	service.RelationshipOracle
	service.ReadStateTracker
	handler.RelationshipStore
}

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting messaging API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "periodico-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the message store
	var (
		st     dataStore
		pinger handler.Pinger
	)
	if cfg.MySQLDSN != "" {
		mysqlStore, err := store.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			log.Error("failed to open MySQL store", zap.Error(err))
			os.Exit(1)
		}
		st = mysqlStore
		pinger = mysqlStore
	} else {
		log.Warn("MYSQL_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	// Create the event broker
	eventBroker := broker.New(broker.Options{
		BufferSize:   cfg.BrokerBufferSize,
		EchoToSender: cfg.BrokerEchoSender,
	}, log)
	defer eventBroker.Close()

	// Optionally extend fan-out across instances via NATS
	var (
		publisher service.Publisher      = eventBroker
		notifier  service.UnreadNotifier = service.NoopNotifier{}
		natsCheck interface{ IsConnected() bool }
	)
	if cfg.NATSURL != "" {
		natsConn, err := natsclient.Connect(natsclient.Config{
			URL:   cfg.NATSURL,
			Token: cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsConn.Close()

		relay, err := broker.NewRelay(natsConn.Conn(), eventBroker, log)
		if err != nil {
			log.Error("failed to create broker relay", zap.Error(err))
			os.Exit(1)
		}
		defer relay.Close()

		publisher = relay
		notifier = relay
		natsCheck = natsConn
	}

	// Initialize the gateway
	conversationSvc := service.NewConversationService(st, st, st, publisher, notifier, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(pinger, natsCheck)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, eventBroker, cfg.StreamHeartbeat, log)
	wsHandler := handler.NewWSHandler(conversationSvc, eventBroker, log)
	relationshipHandler := handler.NewRelationshipHandler(st, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", messageHandler.Send)
			r.Get("/", messageHandler.List)
			r.Post("/read", messageHandler.MarkRead)
			r.Get("/unread/count", messageHandler.UnreadCount)
			r.Get("/stream", streamHandler.Stream)
			r.Get("/ws", wsHandler.Serve)
		})

		r.Route("/relationships", func(r chi.Router) {
			r.Get("/check", relationshipHandler.Check)
			r.Post("/", relationshipHandler.Create)
			r.Delete("/{userId}", relationshipHandler.Delete)
		})
	})

	// Create HTTP server. WriteTimeout stays zero: the stream endpoint
	// holds responses open indefinitely.
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: cfg.ServerIdleTimeout,
	}

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
