// Package agent runs conversation turns against the chat stream and applies
// the resulting actions to the canvas document.
package agent

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ashureev/canvaspilot/internal/domain"
	"github.com/ashureev/canvaspilot/internal/stream"
)

var (
	// ErrBusy is returned when a turn is already running for the session.
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyInstruction is returned for blank user input.
	ErrEmptyInstruction = errors.New("instruction is empty")
)

// State is the observable phase of a session.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateReviewing State = "reviewing"
)

// Streamer opens one chat stream per request.
type Streamer interface {
	Chat(ctx context.Context, req stream.Request) iter.Seq2[stream.Event, error]
}

// Snapshotter captures the rendered canvas as a base64 image. An empty
// string means no snapshot is available.
type Snapshotter interface {
	Capture(ctx context.Context) (string, error)
}

// Persister stores the message log after each turn.
type Persister interface {
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
}

// ReviewConfig bounds the automatic review rounds that follow a turn.
type ReviewConfig struct {
	MaxRounds   int
	Delay       time.Duration
	Instruction string
}

// TurnReport summarises one call to Send.
type TurnReport struct {
	Actions      int  `json:"actions"`
	ReviewRounds int  `json:"review_rounds"`
	Errored      bool `json:"errored"`
}

// ChatRequest is the body of POST /api/agent/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// MessageEvent is pushed to stream subscribers whenever a message changes.
type MessageEvent struct {
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}
