package agent

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/canvaspilot/internal/config"
	"github.com/ashureev/canvaspilot/internal/domain"
	"github.com/ashureev/canvaspilot/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers message events for reconnecting clients, one
// bounded list per session.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// QueuedMessage represents a message in the queue.
type QueuedMessage struct {
	EventID   int64
	SessionID string
	Event     MessageEvent
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-session message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds a message to the per-session queue.
func (q *SSEMessageQueue) Enqueue(sessionID string, eventID int64, ev MessageEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[sessionID]
	if !ok {
		l = list.New()
		q.queues[sessionID] = l
	}
	l.PushBack(&QueuedMessage{
		EventID:   eventID,
		SessionID: sessionID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves messages after a specific event ID for a session.
func (q *SSEMessageQueue) GetMissedMessages(sessionID string, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune removes the queue for a session.
func (q *SSEMessageQueue) Prune(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionID)
}

// Handler serves the chat, message and stream endpoints.
type Handler struct {
	registry       *Registry
	gate           Gate
	rateLimiter    *RateLimiter
	broadcastChan  chan MessageEvent
	sseConnections map[string]map[int64]*SSEConnection // sessionID -> connectionID -> connection
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	done           chan struct{}
	closeOnce      sync.Once
	log            ConversationLogger
	cfg            *config.Config
}

// RateLimiter implements a sliding-window limiter per key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// startEviction periodically drops keys with no requests inside the window.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates the agent handler. Every session the registry creates
// is fanned out to stream subscribers. gate and cfg may be nil.
func NewHandler(registry *Registry, gate Gate, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	replaySize := 100
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		replaySize = cfg.SSE.ReplayBufferSize
	}

	h := &Handler{
		registry:       registry,
		gate:           gate,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		broadcastChan:  make(chan MessageEvent, 256),
		sseConnections: make(map[string]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(replaySize),
		done:           make(chan struct{}),
		log:            conversationLogger,
		cfg:            cfg,
	}
	registry.OnSession(h.watchSession)

	go h.broadcastLoop()
	return h
}

func (h *Handler) watchSession(s *Session) {
	id := s.ID()
	s.Subscribe(func(m domain.Message) {
		select {
		case h.broadcastChan <- MessageEvent{SessionID: id, Message: m}:
		default:
			slog.Warn("broadcast queue full, dropping message event", "session_id", id, "message_id", m.ID)
		}
	})
}

// HandleChat handles POST /api/agent/chat. The turn is streamed as SSE
// "message" events followed by a "done" event carrying the TurnReport.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())

	if h.gate != nil && !h.gate.Ready() {
		http.Error(w, `{"error": "assistant is not authenticated"}`, http.StatusForbidden)
		return
	}

	// Session ids are client-chosen; throttle per client address.
	if !h.rateLimiter.Allow(identity.IPFromRequest(r)) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	session := h.registry.Get(r.Context(), sessionID)
	slog.Info("Agent chat request",
		"session_id", sessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	if session.Busy() {
		http.Error(w, `{"error": "a turn is already in progress"}`, http.StatusConflict)
		return
	}

	var (
		mu       sync.Mutex
		started  bool
		finished bool
	)
	emit := func(event, data string) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			started = true
		}
		if err := writeSSE(w, event, data); err != nil {
			slog.Warn("failed to write SSE event", "event", event, "error", err)
			finished = true
			return
		}
		flusher.Flush()
	}
	finish := func() {
		mu.Lock()
		finished = true
		mu.Unlock()
	}
	defer finish()

	unsubscribe := session.Subscribe(func(m domain.Message) {
		data, err := json.Marshal(MessageEvent{SessionID: sessionID, Message: m})
		if err != nil {
			slog.Warn("failed to marshal message event", "error", err)
			return
		}
		emit("message", string(data))
	})
	report, err := session.Send(r.Context(), req.Message)
	unsubscribe()

	if err != nil {
		mu.Lock()
		wasStarted := started
		mu.Unlock()
		if wasStarted {
			emit("error", fmt.Sprintf(`{"error":%q}`, err.Error()))
			return
		}
		finish()
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), chatErrorStatus(err))
		return
	}

	data, err := json.Marshal(report)
	if err != nil {
		emit("error", `{"error":"failed to serialize report"}`)
		return
	}
	emit("done", string(data))
}

func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrEmptyInstruction):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNotReady):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// HandleMessages handles GET /api/agent/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	session := h.registry.Get(r.Context(), sessionID)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"session_id": sessionID,
		"state":      session.State(),
		"messages":   session.Messages(),
	}); err != nil {
		slog.Warn("failed to encode messages response", "error", err)
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/messages", h.HandleMessages)
		r.Get("/stream", h.HandleStream)
	})
}

// Close stops background goroutines and flushes the conversation log.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.rateLimiter.Stop()
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	})
}

// EvictSession drops replay state for a session removed by the janitor.
func (h *Handler) EvictSession(sessionID string) {
	h.messageQueue.Prune(sessionID)
}

// broadcastLoop distributes message events to connected stream clients.
func (h *Handler) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcastChan:
			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			h.messageQueue.Enqueue(ev.SessionID, eventID, ev)

			h.connectionsMu.RLock()
			sessionConns := h.sseConnections[ev.SessionID]
			conns := make([]*SSEConnection, 0, len(sessionConns))
			for _, c := range sessionConns {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, ev)
			}
		}
	}
}

// sendToConnection sends a message to a specific connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev MessageEvent) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal SSE message", "error", err, "conn_id", conn.ID)
		return
	}

	if err := writeSSEWithID(conn.Writer, eventID, "message", string(data)); err != nil {
		slog.Warn("failed to write to SSE connection", "error", err, "conn_id", conn.ID, "session_id", conn.SessionID)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/agent/stream: every message change of the
// session, with Last-Event-ID replay of buffered events.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	// Make sure the session exists so its changes are broadcast.
	h.registry.Get(r.Context(), sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelay := 5 * time.Second
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		retryDelay = h.cfg.SSE.RetryDelay
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[sessionID]; !exists {
		h.sseConnections[sessionID] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[sessionID][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()

		h.connectionsMu.Lock()
		if sessionConns, exists := h.sseConnections[sessionID]; exists {
			delete(sessionConns, connID)
			if len(sessionConns) == 0 {
				delete(h.sseConnections, sessionID)
			}
		}
		h.connectionsMu.Unlock()
		slog.Info("SSE connection closed", "session_id", sessionID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		for _, msg := range h.messageQueue.GetMissedMessages(sessionID, lastEventID) {
			h.sendToConnection(conn, msg.EventID, msg.Event)
		}
	}

	conn.mu.Lock()
	connectedData := fmt.Sprintf(`{"status":"connected","session_id":%q,"replayed_after":%d}`, sessionID, lastEventID)
	err := writeSSE(w, "connected", connectedData)
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "session_id", sessionID)
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
