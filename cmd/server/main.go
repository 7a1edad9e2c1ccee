// Member portal chat gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/membercare/chat-gateway/internal/api"
	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/config"
	"github.com/membercare/chat-gateway/internal/eligibility"
	"github.com/membercare/chat-gateway/internal/identity"
	"github.com/membercare/chat-gateway/internal/middleware"
	"github.com/membercare/chat-gateway/internal/push"
	"github.com/membercare/chat-gateway/internal/store"
	"github.com/membercare/chat-gateway/internal/widget"
	"github.com/membercare/chat-gateway/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	resolver, err := eligibility.NewResolver(eligibility.Config{
		BaseURL: cfg.Eligibility.BaseURL,
		Timeout: cfg.Eligibility.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize eligibility resolver", "error", err)
		os.Exit(1)
	}

	adapterFactory := widget.NewFactory(widget.FactoryConfig{
		Legacy: widget.SurfaceConfig{
			ScriptURL:    cfg.Legacy.ScriptURL,
			BootstrapURL: cfg.Legacy.BootstrapURL,
			CommandURL:   cfg.Legacy.CommandURL,
			MessageURL:   cfg.Legacy.MessageURL,
			EventsURL:    cfg.Legacy.EventsURL,
		},
		Cloud: widget.SurfaceConfig{
			DeploymentURL: cfg.Cloud.DeploymentURL,
			EventsURL:     cfg.Cloud.EventsURL,
		},
		Reconnect: widget.ReconnectPolicy{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			Multiplier:  2,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Timeout: cfg.Legacy.Timeout,
	}, logger)

	// Every store gets its own plan-switcher watcher. The watcher lives as
	// long as the store, so the unsubscribe handle can be dropped.
	storeFactory := func(memberID, sessionID string) *chat.Store {
		s := chat.NewStore(chat.Config{
			MemberID:          memberID,
			SessionID:         sessionID,
			InactivityTimeout: cfg.Inactivity.Timeout,
			PollInterval:      cfg.Inactivity.PollInterval,
		}, resolver, adapterFactory, repo, logger)
		chat.WatchPlanSwitcher(s, logger)
		return s
	}
	registry := chat.NewRegistry(storeFactory, logger)

	// Initialize handlers.
	chatHandler := api.NewChatHandler(registry, repo, cfg.FrontendURL)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := push.NewWebSocketHandler(registry, repo, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout; WebSocket pushes stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.TranscriptRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
