// Package main is the entry point for the event delivery server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/ack"
	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/internal/config"
	"github.com/Dlutsok/replyx-v2-sub001/internal/eventbus"
	"github.com/Dlutsok/replyx-v2-sub001/internal/handler"
	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/ratelimit"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/internal/replay"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
	"github.com/Dlutsok/replyx-v2-sub001/internal/store"
	"github.com/Dlutsok/replyx-v2-sub001/internal/supervisor"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/tracing"
)

// bus is what the server needs from the broker connection.
type bus interface {
	eventbus.Transport
	eventbus.Feed
	IsConnected() bool
}

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

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting event delivery server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "event-delivery", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Event bus: NATS, or the in-process bus for single-node setups.
	var eventBus bus
	if cfg.EventBus == "nats" {
		natsClient, err := eventbus.Connect(ctx, eventbus.Config{
			URL:           cfg.NATSURL,
			CAFile:        cfg.NATSCAFile,
			CertFile:      cfg.NATSCertFile,
			KeyFile:       cfg.NATSKeyFile,
			Token:         cfg.NATSToken,
			StreamEnabled: cfg.NATSStreamEnabled,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		if cfg.NATSStreamEnabled {
			streamManager := eventbus.NewStreamManager(natsClient, cfg.NATSStreamMaxAge)
			if err := streamManager.EnsureStream(ctx); err != nil {
				log.Fatal("failed to ensure stream", zap.Error(err))
			}
		}
		eventBus = natsClient
	} else {
		log.Warn("using in-process event bus, events are not shared between instances")
		eventBus = eventbus.NewLocalBus()
	}

	// Conversation store and admission audit trail
	var (
		lookup store.ConversationLookup = store.NewPermissiveStore()
		audit  admission.AuditSink      = admission.NewLogAudit(log)
		db     handler.Pinger
	)
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("failed to apply schema", zap.Error(err))
		}
		lookup = pg
		audit = admission.AuditSinks{audit, pg}
		db = pg
	} else {
		log.Warn("DATABASE_URL is empty, conversation existence is not checked")
	}

	// Delivery core
	clock := model.SystemClock{}
	reg := registry.New(registry.Config{
		MaxPerConversation: cfg.MaxConnectionsPerConversation,
		MaxPerIP:           cfg.MaxConnectionsPerIP,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		DrainGrace:         cfg.DrainGrace,
		SendTimeout:        cfg.SendTimeout,
		Buffer:             cfg.ConnectionBuffer,
	}, clock, log)
	replayLog := replay.New(cfg.ReplayCapacity, clock)
	tracker := ack.NewTracker(ack.Config{
		Timeout:     cfg.AckTimeout,
		MaxAttempts: cfg.AckMaxAttempts,
		DedupeTTL:   cfg.AckDedupeTTL,
	}, nil, clock, log)
	dispatcher := registry.NewDispatcher(reg, tracker, log)
	tracker.SetRedeliverer(dispatcher)
	reg.OnClose(func(info model.ConnectionInfo, _ model.CloseReason) {
		tracker.DropConnection(info.ID)
	})

	limiter := ratelimit.New(cfg.AdmissionLimit, cfg.AdmissionWindow, clock)
	controller := admission.NewController(
		limiter,
		admission.NewHMACVerifier(cfg.CapabilitySecret, clock),
		reg,
		audit,
		clock,
		log,
	)

	bridge := eventbus.NewBridge(eventbus.BridgeConfig{
		Subject:       cfg.NATSSubject,
		Workers:       cfg.BridgeWorkers,
		BackoffMax:    cfg.BridgeBackoffMax,
		EscalateAfter: cfg.BridgeEscalateAfter,
	}, eventBus, replayLog, dispatcher, log)
	publisher := eventbus.NewPublisher(eventBus, eventbus.DefaultBreakerConfig(), clock, log)
	publisher.SetFallback(bridge.Ingest)

	delivery := service.NewDeliveryService(lookup, controller, reg, replayLog, tracker, publisher, log)

	// Background services
	tree := supervisor.NewTree(log, supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	tree.AddMessagingService(bridge)
	tree.AddMaintenanceService(supervisor.NewPeriodic("heartbeat-sweeper", cfg.HeartbeatInterval/3, func(context.Context) {
		if res := reg.Sweep(); res.Draining > 0 || res.Closed > 0 {
			log.Info("heartbeat sweep", zap.Int("draining", res.Draining), zap.Int("closed", res.Closed))
		}
	}))
	tree.AddMaintenanceService(supervisor.NewPeriodic("ack-sweeper", cfg.AckSweepInterval, func(context.Context) {
		tracker.SweepExpired()
	}))
	tree.AddMaintenanceService(supervisor.NewPeriodic("ratelimit-gc", cfg.RateLimitGCInterval, func(context.Context) {
		if n := limiter.GC(); n > 0 {
			log.Debug("rate limiter gc", zap.Int("removed", n))
		}
	}))
	tree.AddMaintenanceService(supervisor.NewPeriodic("replay-compactor", cfg.ReplayCompactInterval, func(context.Context) {
		if n := replayLog.Compact(cfg.ReplayIdleTTL); n > 0 {
			log.Debug("replay log compacted", zap.Int("conversations", n))
		}
	}))

	runCtx, stopTree := context.WithCancel(ctx)
	treeDone := tree.ServeBackground(runCtx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(eventBus, bridge, db)
	streamHandler := handler.NewStreamHandler(delivery, log)
	socketHandler := handler.NewSocketHandler(delivery, log)
	ackHandler := handler.NewAckHandler(delivery)
	publishHandler := handler.NewPublishHandler(delivery, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Client-facing transports. Capability tokens are checked by admission.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSOrigins))

		r.Get("/conversations/{id}/events", streamHandler.Stream)
		r.Get("/conversations/{id}/ws", socketHandler.Socket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.IPRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Post("/connections/{connID}/ack", ackHandler.Ack)
			r.Post("/connections/{connID}/heartbeat", ackHandler.Heartbeat)
		})
	})

	// Internal publish API for upstream producers
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopePublish))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/conversations/{id}/events", publishHandler.Publish)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Close streams first so clients get a closed frame with reason shutdown.
	closed := reg.CloseAll(model.CloseShutdown)
	log.Info("closed live connections", zap.Int("count", closed))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	stopTree()
	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("supervisor stopped with error", zap.Error(err))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn("services did not stop in time", zap.Int("count", len(report)))
	}

	log.Info("server stopped")
}
