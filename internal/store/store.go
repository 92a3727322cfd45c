// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// Repository defines the interface for persisting credentials, conversations
// and canvas documents.
type Repository interface {
	// GetAuth returns the stored credentials, or nil when none are stored.
	GetAuth(ctx context.Context) (*domain.StoredAuth, error)

	// SaveAuth replaces the stored credentials.
	SaveAuth(ctx context.Context, auth *domain.StoredAuth) error

	// GetConversation returns the message log of a session, or nil.
	GetConversation(ctx context.Context, sessionID string) (*domain.Conversation, error)

	// SaveConversation creates or replaces the message log of a session.
	SaveConversation(ctx context.Context, conv *domain.Conversation) error

	// DeleteConversation removes the message log of a session.
	DeleteConversation(ctx context.Context, sessionID string) error

	// CleanupExpiredConversations removes conversations idle for longer than ttl.
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// GetDocument returns a stored canvas document, or nil.
	GetDocument(ctx context.Context, documentID string) (json.RawMessage, error)

	// SaveDocument creates or replaces a canvas document.
	SaveDocument(ctx context.Context, documentID string, doc json.RawMessage) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
