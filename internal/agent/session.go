package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/canvaspilot/internal/action"
	"github.com/ashureev/canvaspilot/internal/domain"
	"github.com/ashureev/canvaspilot/internal/stream"
)

// ErrNotReady is returned when the auth gate has not reached the chat state.
var ErrNotReady = errors.New("assistant is not authenticated")

// defaultExplanation seeds a reply that applied actions but carried no text.
const defaultExplanation = "Here are the changes."

const persistTimeout = 5 * time.Second

// Gate reports whether chatting is currently allowed.
type Gate interface {
	Ready() bool
}

// SessionDeps are the collaborators of a Session. Only Streamer is required.
type SessionDeps struct {
	Streamer    Streamer
	Snapshotter Snapshotter
	Executor    *action.Executor
	Document    action.Document
	Persister   Persister
	Gate        Gate
	Log         ConversationLogger
	Logger      *slog.Logger
	Review      ReviewConfig
}

// Session runs the turns of one editor tab.
type Session struct {
	id       string
	deps     SessionDeps
	messages *MessageLog
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	busy       atomic.Bool
	lastActive atomic.Int64

	stateMu sync.RWMutex
	state   State
}

type turnOutcome struct {
	actions int
	errored bool
}

// NewSession creates a session, restoring any previously persisted messages.
func NewSession(id string, deps SessionDeps, restored []domain.Message) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Executor == nil {
		deps.Executor = action.NewExecutor(logger)
	}
	if deps.Log == nil {
		deps.Log = noopConversationLogger{}
	}
	s := &Session{
		id:       id,
		deps:     deps,
		messages: NewMessageLog(restored),
		logger:   logger.With("session_id", id),
		sleep:    sleepContext,
		state:    StateIdle,
	}
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current phase.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool { return s.busy.Load() }

// LastActive is the time of the last Send or session creation.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []domain.Message { return s.messages.Messages() }

// Subscribe registers fn for every message change.
func (s *Session) Subscribe(fn func(domain.Message)) func() { return s.messages.Subscribe(fn) }

// Send runs one user turn followed by up to Review.MaxRounds review rounds.
// Only rejected input returns an error; turn failures become assistant text.
func (s *Session) Send(ctx context.Context, instruction string) (TurnReport, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return TurnReport{}, ErrEmptyInstruction
	}
	if s.deps.Gate != nil && !s.deps.Gate.Ready() {
		return TurnReport{}, ErrNotReady
	}
	if !s.busy.CompareAndSwap(false, true) {
		return TurnReport{}, ErrBusy
	}
	defer s.busy.Store(false)
	defer s.setState(StateIdle)

	s.touch()
	s.setState(StateSending)

	user := s.messages.Append(domain.RoleUser, instruction)
	s.logMessage("chat_user_message", "inbound", user.Message(), nil)

	snapshot := s.capture(ctx)
	out := s.runTurn(ctx, instruction, snapshot, StateStreaming)

	report := TurnReport{Actions: out.actions, Errored: out.errored}
	if out.actions > 0 && !out.errored {
		report.ReviewRounds = s.review(ctx)
	}

	s.persist(ctx)
	s.touch()
	s.logger.Info("turn completed",
		"actions", report.Actions,
		"review_rounds", report.ReviewRounds,
		"errored", report.Errored)
	return report, nil
}

func (s *Session) runTurn(ctx context.Context, instruction, snapshot string, state State) turnOutcome {
	reply := s.messages.Append(domain.RoleAssistant, "")
	s.setState(state)

	var (
		out      turnOutcome
		sawDelta bool
	)
	req := stream.Request{Message: instruction, Screenshot: snapshot}

events:
	for ev, err := range s.deps.Streamer.Chat(ctx, req) {
		if err != nil {
			s.failTurn(reply, err)
			out.errored = true
			break
		}
		switch e := ev.(type) {
		case stream.Delta:
			if e.Text != "" {
				sawDelta = true
				reply.AppendText(e.Text)
			}
		case stream.Action:
			if s.applyAction(reply, e) {
				out.actions++
			}
		case stream.Done:
			if !sawDelta {
				explanation := e.Explanation
				if explanation == "" && out.actions > 0 {
					explanation = defaultExplanation
				}
				reply.SetContent(explanation + reply.Content())
			}
		case stream.Error:
			reply.SetContent(e.Message)
			out.errored = true
			break events
		}
	}

	if out.actions > 0 {
		reply.MarkApplied()
	}
	s.logMessage("chat_assistant_message", "outbound", reply.Message(), map[string]any{
		"actions":    out.actions,
		"errored":    out.errored,
		"screenshot": snapshot != "",
	})
	return out
}

// applyAction reports whether the action changed the document.
func (s *Session) applyAction(reply *MessageHandle, ev stream.Action) bool {
	a := action.Parse(ev.Name, ev.Params)
	res, err := s.deps.Executor.Apply(a, s.deps.Document)
	if err != nil {
		s.logger.Warn("action failed", "action", ev.Name, "error", err)
		s.deps.Log.Log(ConversationLogEvent{
			SessionID: s.id,
			Channel:   "chat",
			Direction: "internal",
			EventType: "chat_action_failed",
			Meta:      map[string]any{"action": ev.Name, "error": err.Error()},
		})
		return false
	}
	if !res.Applied {
		return false
	}

	reply.AppendText("\n+ " + res.Summary())
	s.deps.Log.Log(ConversationLogEvent{
		SessionID:  s.id,
		Channel:    "chat",
		Direction:  "internal",
		EventType:  "chat_action",
		ContentRaw: res.Summary(),
		Meta:       map[string]any{"action": res.Action, "component_id": res.ID},
	})
	return true
}

// failTurn records a transport failure without discarding partial output.
func (s *Session) failTurn(reply *MessageHandle, err error) {
	msg := "Error: " + err.Error()
	s.logger.Warn("chat stream failed", "error", err)
	if reply.Content() == "" {
		reply.SetContent(msg)
		return
	}
	trailing := s.messages.Append(domain.RoleAssistant, msg)
	s.logMessage("chat_assistant_message", "outbound", trailing.Message(), map[string]any{"errored": true})
}

func (s *Session) review(ctx context.Context) int {
	rounds := 0
	for rounds < s.deps.Review.MaxRounds {
		s.setState(StateReviewing)
		if err := s.sleep(ctx, s.deps.Review.Delay); err != nil {
			return rounds
		}
		snapshot := s.capture(ctx)
		if snapshot == "" {
			s.logger.Debug("no snapshot for review, stopping")
			return rounds
		}

		out := s.runTurn(ctx, s.deps.Review.Instruction, snapshot, StateReviewing)
		rounds++
		if out.actions == 0 || out.errored {
			return rounds
		}
	}
	return rounds
}

func (s *Session) capture(ctx context.Context) string {
	if s.deps.Snapshotter == nil {
		return ""
	}
	img, err := s.deps.Snapshotter.Capture(ctx)
	if err != nil {
		s.logger.Debug("snapshot unavailable", "error", err)
		return ""
	}
	return img
}

func (s *Session) persist(ctx context.Context) {
	if s.deps.Persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	conv := &domain.Conversation{SessionID: s.id, Messages: s.messages.Messages()}
	if err := s.deps.Persister.SaveConversation(ctx, conv); err != nil {
		s.logger.Warn("failed to persist conversation", "error", err)
	}
}

func (s *Session) logMessage(eventType, direction string, m domain.Message, meta map[string]any) {
	s.deps.Log.Log(ConversationLogEvent{
		SessionID:  s.id,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: m.Content,
		Meta:       meta,
	})
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
