package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/canvaspilot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	convMu sync.Mutex // serialises conversation writes to avoid SQLITE_BUSY
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS ai_auth (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		auth_method TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS documents (
		document_id TEXT PRIMARY KEY,
		document_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetAuth returns the singleton credential row.
func (s *SQLiteStore) GetAuth(ctx context.Context) (*domain.StoredAuth, error) {
	query := `
		SELECT auth_method, api_key, access_token, refresh_token, account_id, updated_at
		FROM ai_auth WHERE id = 1`

	var auth domain.StoredAuth
	var method string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query).Scan(
		&method, &auth.APIKey, &auth.AccessToken,
		&auth.RefreshToken, &auth.AccountID, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth row: %w", err)
	}

	auth.Method = domain.AuthMethod(method)
	auth.UpdatedAt = time.Unix(updatedAt, 0)
	return &auth, nil
}

// SaveAuth replaces the singleton credential row.
func (s *SQLiteStore) SaveAuth(ctx context.Context, auth *domain.StoredAuth) error {
	if auth == nil {
		auth = &domain.StoredAuth{}
	}
	updatedAt := auth.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO ai_auth (id, auth_method, api_key, access_token, refresh_token, account_id, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		auth_method = excluded.auth_method,
		api_key = excluded.api_key,
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		account_id = excluded.account_id,
		updated_at = excluded.updated_at`

	return withConflictRetry(ctx, "save_auth", func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(auth.Method), auth.APIKey, auth.AccessToken,
			auth.RefreshToken, auth.AccountID, updatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert auth: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves the message log for a session.
func (s *SQLiteStore) GetConversation(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	query := `
		SELECT session_id, messages_json, created_at, updated_at
		FROM conversations WHERE session_id = ?`

	var conv domain.Conversation
	var messagesJSON string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&conv.SessionID, &messagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation messages: %w", err)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// SaveConversation creates or updates a session's message log.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	messages := conv.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}

	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO conversations (session_id, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`

	s.convMu.Lock()
	defer s.convMu.Unlock()

	return withConflictRetry(ctx, "save_conversation", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			conv.SessionID, string(messagesJSON), createdAt.Unix(), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a session's message log.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, sessionID string) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	err := withConflictRetry(ctx, "delete_conversation", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", sessionID, err)
	}
	return nil
}

// CleanupExpiredConversations removes conversations older than ttl.
func (s *SQLiteStore) CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	s.convMu.Lock()
	defer s.convMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired conversations: %w", err)
	}
	return result.RowsAffected()
}

// GetDocument retrieves a stored canvas document.
func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_json FROM documents WHERE document_id = ?`, documentID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return json.RawMessage(raw), nil
}

// SaveDocument creates or replaces a canvas document.
func (s *SQLiteStore) SaveDocument(ctx context.Context, documentID string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("save document %s: invalid json", documentID)
	}
	query := `
		INSERT INTO documents (document_id, document_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			document_json = excluded.document_json,
			updated_at = excluded.updated_at`

	return withConflictRetry(ctx, "save_document", func() error {
		if _, err := s.db.ExecContext(ctx, query, documentID, string(doc), time.Now().Unix()); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		return nil
	})
}
