package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConfigStore struct {
	mu       sync.Mutex
	status   Status
	saved    []Tokens
	saveErr  error
	putReqs  []PutRequest
	importFn func() (ImportResult, error)
}

func (s *fakeConfigStore) Get(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *fakeConfigStore) Put(_ context.Context, req PutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putReqs = append(s.putReqs, req)
	if req.Clear {
		s.status = Status{}
	} else {
		s.status.HasAPIKey = true
	}
	return nil
}

func (s *fakeConfigStore) SaveTokens(_ context.Context, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, t)
	s.status.HasExternalAuth = true
	return nil
}

func (s *fakeConfigStore) ImportExternalCredentials(context.Context) (ImportResult, error) {
	if s.importFn == nil {
		return ImportResult{}, ErrNoExternalCredentials
	}
	res, err := s.importFn()
	if err == nil {
		s.mu.Lock()
		s.status.HasExternalAuth = true
		s.mu.Unlock()
	}
	return res, err
}

func (s *fakeConfigStore) savedTokens() []Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tokens(nil), s.saved...)
}

// testClock is a manual clock whose After fires immediately and records
// the requested delay.
type testClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	step  time.Duration
	block bool
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(c.step)
	block := c.block
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if !block {
		ch <- c.Now()
	}
	return ch
}

func (c *testClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func newTestFlow(t *testing.T, tokenHandler http.HandlerFunc, store ConfigStore, clock *testClock) *DeviceFlow {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("client_id") != "client-1" || r.PostForm.Get("scope") == "" || r.PostForm.Get("audience") == "" {
			t.Errorf("unexpected device code form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://example.test/device",
			"expires_in":       900,
			"interval":         3,
		})
	})
	mux.HandleFunc("/token", tokenHandler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	flow := NewDeviceFlow(DeviceConfig{
		ClientID:        "client-1",
		DeviceCodeURL:   server.URL + "/device/code",
		TokenURL:        server.URL + "/token",
		VerificationURL: "https://example.test/fallback",
		Scope:           "openid offline_access",
		Audience:        "https://api.example.test",
		MinPollInterval: 5 * time.Second,
		PollTimeout:     time.Minute,
	}, store, server.Client(), nil)
	if clock != nil {
		flow.now = clock.Now
		flow.after = clock.After
	}
	return flow
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestBeginParsesAuthorization(t *testing.T) {
	clock := newTestClock()
	flow := newTestFlow(t, func(http.ResponseWriter, *http.Request) {}, nil, clock)

	auth, err := flow.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if auth.UserCode != "ABCD-EFGH" || auth.DeviceCode != "dev-123" {
		t.Fatalf("unexpected authorization %+v", auth)
	}
	if auth.VerificationURL != "https://example.test/device" {
		t.Errorf("expected verification_uri, got %q", auth.VerificationURL)
	}
	if !auth.IssuedAt.Equal(clock.Now()) {
		t.Errorf("expected IssuedAt from clock, got %s", auth.IssuedAt)
	}
}

func TestBeginErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "missing user code",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"device_code": "x"})
			},
			want: ErrProtocol,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			want: ErrProtocol,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("<html>"))
			},
			want: ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			flow := NewDeviceFlow(DeviceConfig{ClientID: "c", DeviceCodeURL: server.URL}, nil, server.Client(), nil)
			if _, err := flow.Begin(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		flow := NewDeviceFlow(DeviceConfig{ClientID: "c", DeviceCodeURL: url}, nil, nil, nil)
		if _, err := flow.Begin(context.Background()); !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected ErrNetwork, got %v", err)
		}
	})
}

func TestPollingHonoursMinimumInterval(t *testing.T) {
	clock := newTestClock()
	store := &fakeConfigStore{}
	var polls atomic.Int32

	flow := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != deviceGrantType || r.PostForm.Get("device_code") != "dev-123" {
			t.Errorf("unexpected token form %v", r.PostForm)
		}
		if polls.Add(1) < 3 {
			writeTokenError(w, "authorization_pending")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "T", "refresh_token": "R", "expires_in": 3600})
	}, store, clock)

	auth, err := flow.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if auth.Interval != 3 {
		t.Fatalf("expected server interval 3, got %d", auth.Interval)
	}

	outcomes := make(chan Outcome, 2)
	task := flow.StartPolling(context.Background(), auth, func(o Outcome) { outcomes <- o })

	o := waitOutcome(t, outcomes)
	<-task.Done()

	if o.Kind != OutcomeAuthenticated || o.Token.AccessToken != "T" || o.Token.RefreshToken != "R" {
		t.Fatalf("unexpected outcome %+v", o)
	}
	for _, d := range clock.Waits() {
		if d < 5*time.Second {
			t.Fatalf("polled after %s, expected at least 5s", d)
		}
	}
	if got := store.savedTokens(); len(got) != 1 || got[0].AccessToken != "T" {
		t.Fatalf("expected exactly one SaveTokens call, got %+v", got)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected polling to stop after the token, got %d polls", polls.Load())
	}
	select {
	case extra := <-outcomes:
		t.Fatalf("unexpected second outcome %+v", extra)
	default:
	}
}

func TestPollingClassifiesResponses(t *testing.T) {
	tests := []struct {
		name       string
		responses  []string
		wantKind   OutcomeKind
		wantReason string
	}{
		{"denied", []string{"authorization_pending", "access_denied"}, OutcomeRejected, ReasonDenied},
		{"expired", []string{"slow_down", "expired_token"}, OutcomeRejected, ReasonExpired},
		{"unknown code keeps polling", []string{"server_hiccup", "access_denied"}, OutcomeRejected, ReasonDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n atomic.Int32
			flow := newTestFlow(t, func(w http.ResponseWriter, _ *http.Request) {
				i := int(n.Add(1)) - 1
				if i >= len(tt.responses) {
					t.Errorf("poll %d after terminal response", i)
					i = len(tt.responses) - 1
				}
				writeTokenError(w, tt.responses[i])
			}, &fakeConfigStore{}, newTestClock())

			auth, err := flow.Begin(context.Background())
			if err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			outcomes := make(chan Outcome, 1)
			task := flow.StartPolling(context.Background(), auth, func(o Outcome) { outcomes <- o })
			o := waitOutcome(t, outcomes)
			<-task.Done()

			if o.Kind != tt.wantKind || o.Reason != tt.wantReason {
				t.Fatalf("expected %s/%s, got %s/%s", tt.wantKind, tt.wantReason, o.Kind, o.Reason)
			}
			if !errors.Is(o.Err(), ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", o.Err())
			}
			if int(n.Load()) != len(tt.responses) {
				t.Fatalf("expected %d polls, got %d", len(tt.responses), n.Load())
			}
		})
	}
}

func TestPollingStopsAtClientDeadline(t *testing.T) {
	clock := newTestClock()
	clock.step = 20 * time.Second
	var polls atomic.Int32

	flow := newTestFlow(t, func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		writeTokenError(w, "authorization_pending")
	}, &fakeConfigStore{}, clock)

	auth := Authorization{DeviceCode: "dev-123", UserCode: "U", IssuedAt: clock.Now()}
	outcomes := make(chan Outcome, 1)
	flow.StartPolling(context.Background(), auth, func(o Outcome) { outcomes <- o })

	o := waitOutcome(t, outcomes)
	if o.Kind != OutcomeRejected || o.Reason != ReasonExpired {
		t.Fatalf("expected expiry, got %+v", o)
	}
	// One minute timeout with 20s ticks leaves room for two polls.
	if polls.Load() != 2 {
		t.Fatalf("expected 2 polls before the deadline, got %d", polls.Load())
	}
}

func TestPersistFailureRejects(t *testing.T) {
	store := &fakeConfigStore{saveErr: errors.New("disk full")}
	flow := newTestFlow(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "T"})
	}, store, newTestClock())

	auth, _ := flow.Begin(context.Background())
	outcomes := make(chan Outcome, 1)
	flow.StartPolling(context.Background(), auth, func(o Outcome) { outcomes <- o })

	if o := waitOutcome(t, outcomes); o.Kind != OutcomeRejected || o.Reason != ReasonPersistFailed {
		t.Fatalf("expected persist_failed, got %+v", o)
	}
}

func TestCancelAfterTokenSkipsPersist(t *testing.T) {
	store := &fakeConfigStore{}
	clock := newTestClock()
	var (
		task   atomic.Pointer[PollTask]
		served atomic.Bool
	)
	ready := make(chan struct{})
	flow := newTestFlow(t, func(w http.ResponseWriter, _ *http.Request) {
		<-ready
		served.Store(true)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "T", "refresh_token": "R", "expires_in": 3600})
	}, store, clock)

	auth, _ := flow.Begin(context.Background())
	// The token expiry is computed after the response is read; cancel there,
	// just before the tokens would be saved.
	flow.now = func() time.Time {
		if served.Load() {
			task.Load().Cancel()
		}
		return clock.Now()
	}

	var emitted atomic.Bool
	task.Store(flow.StartPolling(context.Background(), auth, func(Outcome) { emitted.Store(true) }))
	close(ready)

	select {
	case <-task.Load().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poll goroutine did not exit after Cancel")
	}
	if got := store.savedTokens(); len(got) != 0 {
		t.Fatalf("cancelled flow saved tokens %+v", got)
	}
	if emitted.Load() {
		t.Fatal("cancelled task emitted an outcome")
	}
}

func TestCancelEmitsNothing(t *testing.T) {
	clock := newTestClock()
	clock.block = true
	flow := newTestFlow(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no poll should reach the server")
	}, &fakeConfigStore{}, clock)

	auth, _ := flow.Begin(context.Background())
	var emitted atomic.Bool
	task := flow.StartPolling(context.Background(), auth, func(Outcome) { emitted.Store(true) })

	task.Cancel()
	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poll goroutine did not exit after Cancel")
	}
	if emitted.Load() {
		t.Fatal("cancelled task emitted an outcome")
	}

	var none *PollTask
	none.Cancel()
	<-none.Done()
}
