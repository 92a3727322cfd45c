package agent

import (
	"sync"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// MessageLog is the append-only conversation of one session. Entries are
// never reordered or removed. Only the entry behind a MessageHandle changes
// after it is appended.
type MessageLog struct {
	mu          sync.RWMutex
	entries     []*domain.Message
	nextID      int
	subscribers map[int]func(domain.Message)
	nextSub     int
}

// MessageHandle addresses one entry of a MessageLog.
type MessageHandle struct {
	log   *MessageLog
	entry *domain.Message
}

// NewMessageLog creates a log, optionally seeded with restored messages.
func NewMessageLog(restored []domain.Message) *MessageLog {
	l := &MessageLog{subscribers: make(map[int]func(domain.Message))}
	for _, m := range restored {
		m := m
		l.entries = append(l.entries, &m)
		if m.ID > l.nextID {
			l.nextID = m.ID
		}
	}
	return l
}

// Append adds a message and returns its handle.
func (l *MessageLog) Append(role domain.Role, content string) *MessageHandle {
	l.mu.Lock()
	l.nextID++
	entry := &domain.Message{ID: l.nextID, Role: role, Content: content}
	l.entries = append(l.entries, entry)
	snapshot := *entry
	subs := l.subscribersLocked()
	l.mu.Unlock()

	notify(subs, snapshot)
	return &MessageHandle{log: l, entry: entry}
}

// Messages returns a copy of the log.
func (l *MessageLog) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe registers fn for every appended or changed message. The
// returned func removes the subscription.
func (l *MessageLog) Subscribe(fn func(domain.Message)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

func (l *MessageLog) subscribersLocked() []func(domain.Message) {
	subs := make([]func(domain.Message), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (l *MessageLog) update(entry *domain.Message, fn func(*domain.Message)) domain.Message {
	l.mu.Lock()
	fn(entry)
	snapshot := *entry
	subs := l.subscribersLocked()
	l.mu.Unlock()

	notify(subs, snapshot)
	return snapshot
}

func notify(subs []func(domain.Message), m domain.Message) {
	for _, fn := range subs {
		fn(m)
	}
}

// ID returns the message id.
func (h *MessageHandle) ID() int {
	return h.entry.ID
}

// Content returns the current message text.
func (h *MessageHandle) Content() string {
	h.log.mu.RLock()
	defer h.log.mu.RUnlock()
	return h.entry.Content
}

// Message returns a copy of the entry.
func (h *MessageHandle) Message() domain.Message {
	h.log.mu.RLock()
	defer h.log.mu.RUnlock()
	return *h.entry
}

// AppendText adds text to the end of the message.
func (h *MessageHandle) AppendText(text string) {
	if text == "" {
		return
	}
	h.log.update(h.entry, func(m *domain.Message) { m.Content += text })
}

// SetContent replaces the message text.
func (h *MessageHandle) SetContent(content string) {
	h.log.update(h.entry, func(m *domain.Message) { m.Content = content })
}

// MarkApplied flags the message as having changed the document.
func (h *MessageHandle) MarkApplied() {
	h.log.update(h.entry, func(m *domain.Message) { m.Applied = true })
}
