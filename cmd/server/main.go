// canvaspilot - AI-assisted canvas editing server
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

	"github.com/ashureev/canvaspilot/internal/agent"
	"github.com/ashureev/canvaspilot/internal/api"
	"github.com/ashureev/canvaspilot/internal/app"
	"github.com/ashureev/canvaspilot/internal/config"
	"github.com/ashureev/canvaspilot/internal/editor"
	"github.com/ashureev/canvaspilot/internal/identity"
	"github.com/ashureev/canvaspilot/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("Failed to close resources", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath, "auth_state", a.Menu.View().State)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(a.Repo, a.Menu.Ready)
	authHandler := api.NewAuthHandler(a.Menu)
	canvasHandler := api.NewCanvasHandler(a.Document)
	agentHandler := agent.NewHandler(a.Registry, a.Menu, a.ConvLog, cfg)
	defer agentHandler.Close()
	wsHandler := editor.NewWebSocketHandler(a.Bridge, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	authHandler.RegisterRoutes(r)
	canvasHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/editor", wsHandler.ServeHTTP)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	agent.StartJanitor(ctx, a.Registry, cfg.SessionTTL, func(sessionID string) {
		a.Bridge.CloseSession(sessionID)
		a.ConvLog.CloseSession(sessionID)
		agentHandler.EvictSession(sessionID)
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
