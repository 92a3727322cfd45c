package domain

import (
	"time"
)

// Role is the author of a conversation message.
type Role string

const (
	// RoleUser marks messages typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation log.
type Message struct {
	ID      int    `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Applied bool   `json:"applied,omitempty"`
}

// Conversation stores the persisted message log of one editor session.
type Conversation struct {
	SessionID string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}
