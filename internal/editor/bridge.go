// Package editor bridges the live visual editor over a websocket: it
// captures rendered snapshots on demand and pushes canvas updates.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrNoEditor is returned when no editor is connected for a session.
	ErrNoEditor = errors.New("no editor connected")
	// ErrCaptureTimeout is returned when the editor does not answer in time.
	ErrCaptureTimeout = errors.New("snapshot capture timed out")
)

const writeTimeout = 5 * time.Second

// client is one connected editor tab.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan string
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, pending: make(map[int64]chan string)}
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) expect(id int64) chan string {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve delivers a snapshot to its waiter. Unknown or late ids are dropped.
func (c *client) resolve(id int64, image string) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- image
	return true
}

// Bridge tracks one editor connection per session.
type Bridge struct {
	mu      sync.RWMutex
	active  map[string]*client
	seq     int64
	seqMu   sync.Mutex
	timeout time.Duration
	current func() (json.RawMessage, error)
	logger  *slog.Logger
}

// NewBridge creates a bridge. captureTimeout bounds each Capture call.
func NewBridge(captureTimeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if captureTimeout <= 0 {
		captureTimeout = 5 * time.Second
	}
	return &Bridge{
		active:  make(map[string]*client),
		timeout: captureTimeout,
		logger:  logger,
	}
}

// SetCanvasSource sets the document sent to each editor when it connects.
func (b *Bridge) SetCanvasSource(fn func() (json.RawMessage, error)) {
	b.mu.Lock()
	b.current = fn
	b.mu.Unlock()
}

func (b *Bridge) register(sessionID string, c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.active[sessionID]; ok && existing != c {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "session replaced")
	}
	b.active[sessionID] = c
	b.logger.Info("editor registered", "session_id", sessionID)
}

func (b *Bridge) unregister(sessionID string, c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.active[sessionID]; ok && current == c {
		delete(b.active, sessionID)
		b.logger.Info("editor unregistered", "session_id", sessionID)
	}
}

func (b *Bridge) client(sessionID string) *client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active[sessionID]
}

// Connected reports whether an editor is attached for sessionID.
func (b *Bridge) Connected(sessionID string) bool {
	return b.client(sessionID) != nil
}

// CloseSession disconnects the editor of a session.
func (b *Bridge) CloseSession(sessionID string) {
	b.mu.Lock()
	c, ok := b.active[sessionID]
	delete(b.active, sessionID)
	b.mu.Unlock()

	if ok {
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		b.logger.Info("editor session closed", "session_id", sessionID)
	}
}

// Capture asks the editor of sessionID for a rendered snapshot and waits
// for the matching reply.
func (b *Bridge) Capture(ctx context.Context, sessionID string) (string, error) {
	c := b.client(sessionID)
	if c == nil {
		return "", ErrNoEditor
	}

	b.seqMu.Lock()
	b.seq++
	id := b.seq
	b.seqMu.Unlock()

	reply := c.expect(id)
	defer c.forget(id)

	if err := c.writeJSON(ctx, wsMessage{Type: typeCapture, ID: id}); err != nil {
		return "", fmt.Errorf("request snapshot: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case img := <-reply:
		return img, nil
	case <-timer.C:
		return "", ErrCaptureTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PushCanvas sends the document to every connected editor.
func (b *Bridge) PushCanvas(ctx context.Context, doc json.RawMessage) {
	b.mu.RLock()
	clients := make(map[string]*client, len(b.active))
	for id, c := range b.active {
		clients[id] = c
	}
	b.mu.RUnlock()

	msg := wsMessage{Type: typeCanvas, Document: doc}
	for id, c := range clients {
		if err := c.writeJSON(ctx, msg); err != nil {
			b.logger.Debug("failed to push canvas", "session_id", id, "error", err)
		}
	}
}

// For returns the snapshot provider of one session.
func (b *Bridge) For(sessionID string) *SessionSnapshotter {
	return &SessionSnapshotter{bridge: b, sessionID: sessionID}
}

// SessionSnapshotter captures snapshots from one session's editor.
type SessionSnapshotter struct {
	bridge    *Bridge
	sessionID string
}

// Capture returns a base64 snapshot, or an error when none is available.
func (s *SessionSnapshotter) Capture(ctx context.Context) (string, error) {
	return s.bridge.Capture(ctx, s.sessionID)
}
