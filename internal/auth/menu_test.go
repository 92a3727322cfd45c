package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu        sync.Mutex
	beginErr  error
	callbacks []func(Outcome)
	tasks     []*PollTask
	pollCtxs  []context.Context
}

func (r *fakeRunner) Begin(context.Context) (Authorization, error) {
	if r.beginErr != nil {
		return Authorization{}, r.beginErr
	}
	return Authorization{DeviceCode: "dev", UserCode: "WXYZ-1234", VerificationURL: "https://example.test/device"}, nil
}

func (r *fakeRunner) StartPolling(ctx context.Context, _ Authorization, onOutcome func(Outcome)) *PollTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	task := &PollTask{}
	r.callbacks = append(r.callbacks, onOutcome)
	r.tasks = append(r.tasks, task)
	r.pollCtxs = append(r.pollCtxs, ctx)
	return task
}

func (r *fakeRunner) emit(i int, o Outcome) {
	r.mu.Lock()
	cb := r.callbacks[i]
	r.mu.Unlock()
	cb(o)
}

func TestMenuStartChoosesState(t *testing.T) {
	store := &fakeConfigStore{}
	menu := NewMenu(store, &fakeRunner{}, nil)

	v, err := menu.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if v.State != StateMenu || menu.Ready() {
		t.Fatalf("expected Menu without credentials, got %s", v.State)
	}

	store.status.HasAPIKey = true
	if v, _ = menu.Start(context.Background()); v.State != StateChat || !menu.Ready() {
		t.Fatalf("expected Chat with credentials, got %s", v.State)
	}
}

func TestMenuAPIKeyForm(t *testing.T) {
	store := &fakeConfigStore{}
	menu := NewMenu(store, &fakeRunner{}, nil)

	if _, err := menu.CloseAPIKeyForm(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition closing an unopened form, got %v", err)
	}
	if v, err := menu.OpenAPIKeyForm(); err != nil || v.State != StateAPIKeyForm {
		t.Fatalf("open form: %s %v", v.State, err)
	}
	if v, err := menu.CloseAPIKeyForm(); err != nil || v.State != StateMenu {
		t.Fatalf("close form: %s %v", v.State, err)
	}

	menu.OpenAPIKeyForm()
	v, err := menu.SubmitAPIKey(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if v.State != StateChat || !menu.Ready() {
		t.Fatalf("expected Chat after submitting a key, got %s", v.State)
	}
	if len(store.putReqs) != 1 || store.putReqs[0].APIKey != "sk-test" {
		t.Fatalf("unexpected put requests %+v", store.putReqs)
	}
}

func TestMenuDeviceFlowAuthenticates(t *testing.T) {
	store := &fakeConfigStore{}
	runner := &fakeRunner{}
	menu := NewMenu(store, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	v, err := menu.StartDeviceFlow(ctx)
	cancel()
	if err != nil {
		t.Fatalf("StartDeviceFlow failed: %v", err)
	}
	if v.State != StateDeviceFlow || v.Device == nil || v.Device.UserCode != "WXYZ-1234" {
		t.Fatalf("unexpected view %+v", v)
	}
	if runner.pollCtxs[0].Err() != nil {
		t.Fatal("polling must not inherit request cancellation")
	}
	if menu.Ready() {
		t.Fatal("chat must stay gated during the device flow")
	}

	store.status.HasExternalAuth = true
	runner.emit(0, Outcome{Kind: OutcomeAuthenticated})

	if v := menu.View(); v.State != StateChat || v.Device != nil {
		t.Fatalf("expected Chat after authentication, got %+v", v)
	}
}

func TestMenuDeviceFlowRejected(t *testing.T) {
	runner := &fakeRunner{}
	menu := NewMenu(&fakeConfigStore{}, runner, nil)

	if _, err := menu.StartDeviceFlow(context.Background()); err != nil {
		t.Fatalf("StartDeviceFlow failed: %v", err)
	}
	runner.emit(0, Outcome{Kind: OutcomeRejected, Reason: ReasonDenied})

	v := menu.View()
	if v.State != StateMenu || v.LastError == "" {
		t.Fatalf("expected Menu with error after rejection, got %+v", v)
	}
}

func TestMenuRestartCancelsStaleTaskAndIgnoresItsOutcome(t *testing.T) {
	store := &fakeConfigStore{}
	runner := &fakeRunner{}
	menu := NewMenu(store, runner, nil)

	menu.StartDeviceFlow(context.Background())
	menu.StartDeviceFlow(context.Background())

	if len(runner.tasks) != 2 {
		t.Fatalf("expected two poll tasks, got %d", len(runner.tasks))
	}
	if runner.tasks[0].active() {
		t.Fatal("starting a new flow must cancel the previous task")
	}

	store.status.HasExternalAuth = true
	runner.emit(0, Outcome{Kind: OutcomeAuthenticated})
	if v := menu.View(); v.State != StateDeviceFlow {
		t.Fatalf("superseded outcome changed state to %s", v.State)
	}

	runner.emit(1, Outcome{Kind: OutcomeAuthenticated})
	if !menu.Ready() {
		t.Fatal("current task outcome should enter Chat")
	}
}

func TestMenuCancelAndSettings(t *testing.T) {
	store := &fakeConfigStore{}
	runner := &fakeRunner{}
	menu := NewMenu(store, runner, nil)

	menu.StartDeviceFlow(context.Background())
	if v := menu.CancelDeviceFlow(); v.State != StateMenu {
		t.Fatalf("expected Menu after cancel, got %s", v.State)
	}
	if runner.tasks[0].active() {
		t.Fatal("cancel did not stop the poll task")
	}
	runner.emit(0, Outcome{Kind: OutcomeRejected, Reason: ReasonExpired})
	if v := menu.View(); v.LastError != "" {
		t.Fatalf("cancelled flow reported %q", v.LastError)
	}

	store.status.HasAPIKey = true
	if _, err := menu.EnterChat(context.Background()); err != nil {
		t.Fatalf("EnterChat failed: %v", err)
	}
	if v, err := menu.StartDeviceFlow(context.Background()); !errors.Is(err, ErrInvalidTransition) || v.State != StateChat {
		t.Fatalf("expected device flow to be rejected from Chat, got %s %v", v.State, err)
	}
	if len(runner.tasks) != 1 {
		t.Fatalf("rejected start must not poll, got %d tasks", len(runner.tasks))
	}
	if v := menu.OpenSettings(); v.State != StateMenu {
		t.Fatalf("settings must return to Menu, got %s", v.State)
	}

	menu.StartDeviceFlow(context.Background())
	if v := menu.OpenSettings(); v.State != StateMenu {
		t.Fatalf("settings must return to Menu, got %s", v.State)
	}
	if runner.tasks[1].active() {
		t.Fatal("settings must cancel the running flow")
	}
	if menu.Ready() {
		t.Fatal("settings must gate chat even when authenticated")
	}
}

func TestMenuDeviceFlowRejectedFromAPIKeyForm(t *testing.T) {
	runner := &fakeRunner{}
	menu := NewMenu(&fakeConfigStore{}, runner, nil)

	if _, err := menu.OpenAPIKeyForm(); err != nil {
		t.Fatalf("open form: %v", err)
	}
	v, err := menu.StartDeviceFlow(context.Background())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if v.State != StateAPIKeyForm || v.Device != nil || len(runner.tasks) != 0 {
		t.Fatalf("expected form to stay open without polling, got %+v", v)
	}
}

func TestMenuEnterChatRequiresCredentials(t *testing.T) {
	menu := NewMenu(&fakeConfigStore{}, &fakeRunner{}, nil)

	if _, err := menu.EnterChat(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if menu.Ready() {
		t.Fatal("chat opened without credentials")
	}
}

func TestMenuBeginFailureReturnsToMenu(t *testing.T) {
	runner := &fakeRunner{beginErr: ErrNetwork}
	menu := NewMenu(&fakeConfigStore{}, runner, nil)

	v, err := menu.StartDeviceFlow(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if v.State != StateMenu || len(runner.tasks) != 0 {
		t.Fatalf("expected Menu and no polling, got %s with %d tasks", v.State, len(runner.tasks))
	}
}

func TestMenuImportAndClear(t *testing.T) {
	store := &fakeConfigStore{importFn: func() (ImportResult, error) {
		return ImportResult{Method: "codex_chatgpt"}, nil
	}}
	var seen []State
	menu := NewMenu(store, &fakeRunner{}, nil)
	menu.OnChange(func(v View) { seen = append(seen, v.State) })

	v, res, err := menu.ImportExternal(context.Background())
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if v.State != StateChat || res.Method != "codex_chatgpt" {
		t.Fatalf("unexpected import result %s %+v", v.State, res)
	}
	if len(seen) < 2 || seen[0] != StateImportExternal {
		t.Fatalf("expected ImportExternal transition first, got %v", seen)
	}

	v, err = menu.ClearCredentials(context.Background())
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if v.State != StateMenu || v.Status.Authenticated() {
		t.Fatalf("expected unauthenticated Menu, got %+v", v)
	}
}

func TestMenuImportFailure(t *testing.T) {
	menu := NewMenu(&fakeConfigStore{}, &fakeRunner{}, nil)

	v, _, err := menu.ImportExternal(context.Background())
	if !errors.Is(err, ErrNoExternalCredentials) {
		t.Fatalf("expected ErrNoExternalCredentials, got %v", err)
	}
	if v.State != StateMenu {
		t.Fatalf("expected Menu after failed import, got %s", v.State)
	}
}
