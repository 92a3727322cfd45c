package editor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/canvaspilot/internal/identity"
	"github.com/coder/websocket"
)

const (
	typeCapture  = "capture"
	typeSnapshot = "snapshot"
	typeCanvas   = "canvas"
	typePing     = "ping"
	typePong     = "pong"
)

// wsMessage is the envelope of every editor websocket frame.
type wsMessage struct {
	Type     string          `json:"type"`
	ID       int64           `json:"id,omitempty"`
	Image    string          `json:"image,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
}

// WebSocketHandler upgrades GET /ws/editor and attaches the editor to the bridge.
type WebSocketHandler struct {
	bridge        *Bridge
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(bridge *Bridge, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		bridge:        bridge,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Editor connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	// Snapshots are base64 images.
	ws.SetReadLimit(32 << 20)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	c := newClient(ws)
	h.bridge.register(sessionID, c)
	defer h.bridge.unregister(sessionID, c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.sendInitialCanvas(ctx, c, sessionID)
	h.readLoop(ctx, c, sessionID)
	slog.Info("Editor session ended", "session_id", sessionID)
}

func (h *WebSocketHandler) sendInitialCanvas(ctx context.Context, c *client, sessionID string) {
	h.bridge.mu.RLock()
	current := h.bridge.current
	h.bridge.mu.RUnlock()
	if current == nil {
		return
	}
	doc, err := current()
	if err != nil {
		slog.Warn("Failed to load canvas for editor", "error", err, "session_id", sessionID)
		return
	}
	if err := c.writeJSON(ctx, wsMessage{Type: typeCanvas, Document: doc}); err != nil {
		slog.Debug("Failed to send initial canvas", "error", err, "session_id", sessionID)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *client, sessionID string) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed editor frame", "error", err, "session_id", sessionID)
			continue
		}

		switch msg.Type {
		case typeSnapshot:
			if !c.resolve(msg.ID, msg.Image) {
				slog.Debug("Dropping unexpected snapshot", "id", msg.ID, "session_id", sessionID)
			}
		case typePing:
			if err := c.writeJSON(ctx, wsMessage{Type: typePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}
