package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// menu's current state.
var ErrInvalidTransition = errors.New("invalid menu transition")

// State is a screen of the auth menu.
type State string

const (
	StateMenu           State = "menu"
	StateAPIKeyForm     State = "api_key_form"
	StateDeviceFlow     State = "device_flow"
	StateImportExternal State = "import_external"
	StateChat           State = "chat"
)

// DeviceRunner starts device-code authorizations.
type DeviceRunner interface {
	Begin(ctx context.Context) (Authorization, error)
	StartPolling(ctx context.Context, auth Authorization, onOutcome func(Outcome)) *PollTask
}

// View is a snapshot of the menu for rendering.
type View struct {
	State     State          `json:"state"`
	Status    Status         `json:"status"`
	Device    *Authorization `json:"device,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// Menu gates chat until credentials are available. Device outcomes arrive
// on the poll goroutine, so all state is guarded by mu.
type Menu struct {
	store  ConfigStore
	flow   DeviceRunner
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	status     Status
	device     *Authorization
	task       *PollTask
	generation uint64
	lastErr    string
	listeners  []func(View)
}

// NewMenu creates a menu in StateMenu. Call Start to load stored status.
func NewMenu(store ConfigStore, flow DeviceRunner, logger *slog.Logger) *Menu {
	if logger == nil {
		logger = slog.Default()
	}
	return &Menu{
		store:  store,
		flow:   flow,
		logger: logger,
		state:  StateMenu,
	}
}

// OnChange registers fn to receive the view after every transition.
func (m *Menu) OnChange(fn func(View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start enters Chat when credentials are stored, otherwise Menu.
func (m *Menu) Start(ctx context.Context) (View, error) {
	status, err := m.store.Get(ctx)
	if err != nil {
		return m.View(), err
	}

	m.mu.Lock()
	m.status = status
	if status.Authenticated() {
		m.state = StateChat
	} else {
		m.state = StateMenu
	}
	return m.commitLocked()
}

// OpenAPIKeyForm moves from Menu to the API key form.
func (m *Menu) OpenAPIKeyForm() (View, error) {
	m.mu.Lock()
	if m.state != StateMenu {
		return m.rejectLocked("open api key form")
	}
	m.state = StateAPIKeyForm
	m.lastErr = ""
	return m.commitLocked()
}

// CloseAPIKeyForm returns from the API key form to Menu.
func (m *Menu) CloseAPIKeyForm() (View, error) {
	m.mu.Lock()
	if m.state != StateAPIKeyForm {
		return m.rejectLocked("close api key form")
	}
	m.state = StateMenu
	return m.commitLocked()
}

// SubmitAPIKey stores key and enters Chat.
func (m *Menu) SubmitAPIKey(ctx context.Context, key string) (View, error) {
	m.mu.Lock()
	if m.state != StateAPIKeyForm && m.state != StateMenu {
		return m.rejectLocked("submit api key")
	}
	m.mu.Unlock()

	if err := m.store.Put(ctx, PutRequest{APIKey: key}); err != nil {
		m.setError(err)
		return m.View(), err
	}
	return m.enterChat(ctx)
}

// StartDeviceFlow begins a device authorization and polls in the background.
// It is allowed from Menu, or from DeviceFlow to restart with a new code.
// A previous poll task is cancelled first; polling is detached from ctx.
func (m *Menu) StartDeviceFlow(ctx context.Context) (View, error) {
	m.mu.Lock()
	if m.state != StateMenu && m.state != StateDeviceFlow {
		return m.rejectLocked("start device flow")
	}
	m.task.Cancel()
	m.task = nil
	m.device = nil
	m.generation++
	gen := m.generation
	m.state = StateDeviceFlow
	m.lastErr = ""
	m.notifyLocked()

	auth, err := m.flow.Begin(ctx)

	m.mu.Lock()
	if gen != m.generation {
		// Cancelled or restarted while the device code request was in flight.
		v := m.viewLocked()
		m.mu.Unlock()
		return v, context.Canceled
	}
	if err != nil {
		m.state = StateMenu
		m.lastErr = err.Error()
		v, _ := m.commitLocked()
		m.logger.Warn("device authorization could not start", "error", err)
		return v, err
	}

	m.device = &auth
	m.task = m.flow.StartPolling(context.WithoutCancel(ctx), auth, func(o Outcome) {
		m.handleOutcome(gen, o)
	})
	return m.commitLocked()
}

// CancelDeviceFlow stops polling and returns to Menu.
func (m *Menu) CancelDeviceFlow() View {
	m.mu.Lock()
	m.cancelFlowLocked()
	if m.state == StateDeviceFlow {
		m.state = StateMenu
	}
	v, _ := m.commitLocked()
	return v
}

// ImportExternal imports credentials from the external CLI auth file.
func (m *Menu) ImportExternal(ctx context.Context) (View, ImportResult, error) {
	m.mu.Lock()
	if m.state != StateMenu {
		v, err := m.rejectLocked("import external credentials")
		return v, ImportResult{}, err
	}
	m.state = StateImportExternal
	m.lastErr = ""
	m.notifyLocked()

	result, err := m.store.ImportExternalCredentials(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateMenu
		m.lastErr = err.Error()
		v, _ := m.commitLocked()
		return v, ImportResult{}, err
	}

	v, err := m.enterChat(ctx)
	return v, result, err
}

// ClearCredentials removes stored credentials and returns to Menu.
func (m *Menu) ClearCredentials(ctx context.Context) (View, error) {
	if err := m.store.Put(ctx, PutRequest{Clear: true}); err != nil {
		m.setError(err)
		return m.View(), err
	}
	status, err := m.store.Get(ctx)
	if err != nil {
		status = Status{}
	}

	m.mu.Lock()
	m.cancelFlowLocked()
	m.status = status
	m.state = StateMenu
	return m.commitLocked()
}

// OpenSettings always returns to Menu, cancelling any device flow.
func (m *Menu) OpenSettings() View {
	m.mu.Lock()
	m.cancelFlowLocked()
	m.state = StateMenu
	v, _ := m.commitLocked()
	return v
}

// EnterChat moves to Chat if credentials are stored.
func (m *Menu) EnterChat(ctx context.Context) (View, error) {
	return m.enterChat(ctx)
}

// Ready reports whether chat is allowed.
func (m *Menu) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateChat
}

// View returns the current view.
func (m *Menu) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

func (m *Menu) enterChat(ctx context.Context) (View, error) {
	status, err := m.store.Get(ctx)
	if err != nil {
		m.setError(err)
		return m.View(), err
	}

	m.mu.Lock()
	m.status = status
	if !status.Authenticated() {
		m.lastErr = ErrNotAuthenticated.Error()
		v, _ := m.commitLocked()
		return v, ErrNotAuthenticated
	}
	m.cancelFlowLocked()
	m.state = StateChat
	m.lastErr = ""
	return m.commitLocked()
}

func (m *Menu) handleOutcome(gen uint64, o Outcome) {
	var status Status
	var statusErr error
	if o.Kind == OutcomeAuthenticated {
		status, statusErr = m.store.Get(context.Background())
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("ignoring outcome from superseded device flow", "outcome", o.Kind.String())
		return
	}
	m.task = nil
	m.device = nil

	switch {
	case o.Kind == OutcomeAuthenticated && statusErr == nil && status.Authenticated():
		m.status = status
		m.state = StateChat
		m.lastErr = ""
	case o.Kind == OutcomeAuthenticated:
		m.state = StateMenu
		if statusErr != nil {
			m.lastErr = statusErr.Error()
		} else {
			m.lastErr = ErrNotAuthenticated.Error()
		}
	default:
		m.state = StateMenu
		m.lastErr = o.Err().Error()
	}
	_, _ = m.commitLocked()
}

func (m *Menu) cancelFlowLocked() {
	m.task.Cancel()
	m.task = nil
	m.device = nil
	m.generation++
}

func (m *Menu) setError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	_, _ = m.commitLocked()
}

// rejectLocked unlocks mu and returns an ErrInvalidTransition.
func (m *Menu) rejectLocked(op string) (View, error) {
	v := m.viewLocked()
	m.mu.Unlock()
	return v, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, v.State)
}

// commitLocked unlocks mu and notifies listeners with the new view.
func (m *Menu) commitLocked() (View, error) {
	return m.notifyLocked(), nil
}

// notifyLocked unlocks mu, then delivers the view to listeners.
func (m *Menu) notifyLocked() View {
	v := m.viewLocked()
	listeners := append(([]func(View))(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
	return v
}

func (m *Menu) viewLocked() View {
	v := View{State: m.state, Status: m.status, LastError: m.lastErr}
	if m.device != nil {
		d := *m.device
		v.Device = &d
	}
	return v
}
