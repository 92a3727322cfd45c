// Package app assembles the canvaspilot components shared by the server and
// the command-line client.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/canvaspilot/internal/action"
	"github.com/ashureev/canvaspilot/internal/agent"
	"github.com/ashureev/canvaspilot/internal/auth"
	"github.com/ashureev/canvaspilot/internal/canvas"
	"github.com/ashureev/canvaspilot/internal/config"
	"github.com/ashureev/canvaspilot/internal/editor"
	"github.com/ashureev/canvaspilot/internal/store"
	"github.com/ashureev/canvaspilot/internal/stream"
)

// DocumentID is the key of the shared canvas in the documents table.
const DocumentID = "main"

const persistTimeout = 5 * time.Second

// App holds the wired components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Repo        *store.SQLiteStore
	Credentials *auth.RepositoryStore
	DeviceFlow  *auth.DeviceFlow
	Menu        *auth.Menu
	Stream      *stream.Client
	Document    *canvas.Document
	Bridge      *editor.Bridge
	Registry    *agent.Registry
	ConvLog     agent.ConversationLogger
}

// New opens the database and wires every component. The menu is started,
// so it is in Chat when credentials are already stored.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Repo: repo}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	httpClient := &http.Client{Timeout: 30 * time.Second}

	a.Credentials = auth.NewRepositoryStore(a.Repo, cfg.ExternalCredentialsPath())
	deviceCfg := auth.DeviceConfig{
		ClientID:        cfg.Auth.ClientID,
		DeviceCodeURL:   cfg.Auth.DeviceCodeURL,
		TokenURL:        cfg.Auth.TokenURL,
		VerificationURL: cfg.Auth.VerificationURL,
		Scope:           cfg.Auth.Scope,
		Audience:        cfg.Auth.Audience,
		MinPollInterval: cfg.Auth.MinPollInterval,
		PollTimeout:     cfg.Auth.PollTimeout,
	}
	a.DeviceFlow = auth.NewDeviceFlow(deviceCfg, a.Credentials, httpClient, a.Logger.With("component", "device_flow"))
	a.Menu = auth.NewMenu(a.Credentials, a.DeviceFlow, a.Logger.With("component", "auth_menu"))
	if _, err := a.Menu.Start(ctx); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	authorizer := auth.NewAuthorizer(a.Credentials, deviceCfg, httpClient, a.Logger.With("component", "authorizer"))
	// Streams are long-lived; the per-request context bounds them instead of a client timeout.
	a.Stream = stream.NewClient(cfg.ChatStreamURL, &http.Client{}, authorizer, a.Logger.With("component", "stream"))

	doc, err := loadDocument(ctx, a.Repo)
	if err != nil {
		return err
	}
	a.Document = doc

	a.Bridge = editor.NewBridge(cfg.SnapshotTimeout, a.Logger.With("component", "editor"))
	a.Bridge.SetCanvasSource(func() (json.RawMessage, error) {
		return json.Marshal(a.Document.Snapshot())
	})
	a.Document.OnChange(a.persistDocument)

	a.ConvLog, err = agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		MaxOpenFiles:  cfg.ConversationLog.MaxOpenFiles,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("conversation logger: %w", err)
	}

	a.Registry = agent.NewRegistry(agent.SessionDeps{
		Streamer: a.Stream,
		Executor: action.NewExecutor(a.Logger.With("component", "executor")),
		Document: a.Document,
		Gate:     a.Menu,
		Log:      a.ConvLog,
		Logger:   a.Logger.With("component", "session"),
		Review: agent.ReviewConfig{
			MaxRounds:   cfg.Review.MaxRounds,
			Delay:       cfg.Review.Delay,
			Instruction: cfg.Review.Instruction,
		},
	}, a.Repo, func(sessionID string) agent.Snapshotter {
		return a.Bridge.For(sessionID)
	})
	return nil
}

// persistDocument stores and broadcasts every committed canvas change.
func (a *App) persistDocument(snap canvas.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		a.Logger.Error("failed to encode canvas", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.Repo.SaveDocument(ctx, DocumentID, raw); err != nil {
		a.Logger.Error("failed to save canvas", "error", err)
	}
	a.Bridge.PushCanvas(ctx, raw)
}

func loadDocument(ctx context.Context, repo *store.SQLiteStore) (*canvas.Document, error) {
	raw, err := repo.GetDocument(ctx, DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load canvas: %w", err)
	}
	if raw == nil {
		return canvas.New(), nil
	}
	var snap canvas.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode canvas: %w", err)
	}
	doc, err := canvas.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("restore canvas: %w", err)
	}
	return doc, nil
}

// Close releases the conversation log and the database.
func (a *App) Close() error {
	var errs []error
	if a.ConvLog != nil {
		errs = append(errs, a.ConvLog.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}
