package agent

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogConfig controls the NDJSON conversation log.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	// MaxOpenFiles bounds the per-session files kept open at once. The
	// least recently written file is closed first.
	MaxOpenFiles int
}

const defaultMaxOpenFiles = 64

// ConversationLogEvent is one line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records conversation events.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	// CloseSession releases the log file of an evicted session. Later
	// events for the same id reopen it in append mode.
	CloseSession(sessionID string)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) CloseSession(string)      {}
func (noopConversationLogger) Close() error             { return nil }

// logItem is either an event to write or a request to close a session file.
type logItem struct {
	event        ConversationLogEvent
	closeSession bool
}

type openFile struct {
	name string
	f    *os.File
}

type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan logItem
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	dropped   int

	// Owned by the run goroutine.
	files    map[string]*list.Element
	lru      *list.List
	peakOpen int
	global   *os.File
}

// NewConversationLogger starts an asynchronous logger. A disabled config
// yields a logger that discards everything.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = defaultMaxOpenFiles
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan logItem, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*list.Element),
		lru:    list.New(),
	}

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. It never blocks; events are dropped when the
// queue is full.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.enqueue(logItem{event: event})
}

// CloseSession asks the writer to close the session's file after the
// events already queued for it.
func (l *fileConversationLogger) CloseSession(sessionID string) {
	l.enqueue(logItem{event: ConversationLogEvent{SessionID: sessionID}, closeSession: true})
}

func (l *fileConversationLogger) enqueue(item logItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- item:
	default:
		l.dropped++
		if l.dropped == 1 || l.dropped%100 == 0 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped", l.dropped)
		}
	}
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for item := range l.queue {
		if item.closeSession {
			l.closeFile(sanitizeFileName(item.event.SessionID))
			continue
		}
		event := item.event
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if f, err := l.sessionFile(event.SessionID); err != nil {
			l.logger.Warn("failed to open conversation log", "session_id", event.SessionID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("failed to write conversation log", "session_id", event.SessionID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) sessionFile(sessionID string) (*os.File, error) {
	name := sanitizeFileName(sessionID)
	if el, ok := l.files[name]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*openFile).f, nil
	}

	for l.lru.Len() >= l.cfg.MaxOpenFiles {
		l.closeFile(l.lru.Back().Value.(*openFile).name)
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[name] = l.lru.PushFront(&openFile{name: name, f: f})
	l.peakOpen = max(l.peakOpen, l.lru.Len())
	return f, nil
}

func (l *fileConversationLogger) closeFile(name string) {
	el, ok := l.files[name]
	if !ok {
		return
	}
	delete(l.files, name)
	l.lru.Remove(el)
	if err := el.Value.(*openFile).f.Close(); err != nil {
		l.logger.Warn("failed to close conversation log", "file", name, "error", err)
	}
}

// Close drains the queue and closes every open file.
func (l *fileConversationLogger) Close() error {
	var firstErr error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		<-l.done
		for _, el := range l.files {
			if err := el.Value.(*openFile).f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		l.files = nil
		if l.global != nil {
			if err := l.global.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	fileNamePattern  = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	blankRunsPattern = regexp.MustCompile(`\n{3,}`)
)

// cleanForReadability strips terminal escapes and control characters and
// collapses blank runs.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = blankRunsPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func sanitizeFileName(id string) string {
	id = fileNamePattern.ReplaceAllString(id, "_")
	if id == "" || id == "." || id == ".." {
		return "unknown"
	}
	return id
}
