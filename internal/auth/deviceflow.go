package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Rejection reasons carried by OutcomeRejected.
const (
	ReasonExpired       = "expired_token"
	ReasonDenied        = "access_denied"
	ReasonPersistFailed = "persist_failed"
)

// DeviceConfig identifies the device-code provider.
type DeviceConfig struct {
	ClientID        string
	DeviceCodeURL   string
	TokenURL        string
	VerificationURL string
	Scope           string
	Audience        string
	MinPollInterval time.Duration
	// PollTimeout bounds polling when the provider omits expires_in.
	PollTimeout time.Duration
}

// Authorization is one device-code grant in progress.
type Authorization struct {
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"userCode"`
	VerificationURL string    `json:"verificationUrl"`
	ExpiresIn       int       `json:"expiresIn"`
	Interval        int       `json:"interval"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// OutcomeKind is the terminal result of polling.
type OutcomeKind int

const (
	OutcomeAuthenticated OutcomeKind = iota + 1
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is emitted exactly once by a poll task that was not cancelled.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Token  *oauth2.Token
}

// Err returns nil for Authenticated and an ErrRejected wrap otherwise.
func (o Outcome) Err() error {
	if o.Kind == OutcomeAuthenticated {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, o.Reason)
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// DeviceFlow runs the OAuth2 device-authorization grant.
type DeviceFlow struct {
	cfg        DeviceConfig
	httpClient *http.Client
	store      ConfigStore
	logger     *slog.Logger
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time
}

// NewDeviceFlow creates a flow that persists tokens through store.
func NewDeviceFlow(cfg DeviceConfig, store ConfigStore, httpClient *http.Client, logger *slog.Logger) *DeviceFlow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = 5 * time.Second
	}
	return &DeviceFlow{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}
}

// Begin requests a device code.
func (f *DeviceFlow) Begin(ctx context.Context) (Authorization, error) {
	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	if f.cfg.Scope != "" {
		form.Set("scope", f.cfg.Scope)
	}
	if f.cfg.Audience != "" {
		form.Set("audience", f.cfg.Audience)
	}

	resp, err := f.postForm(ctx, f.cfg.DeviceCodeURL, form)
	if err != nil {
		return Authorization{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Authorization{}, fmt.Errorf("%w: device code request returned %d: %s",
			ErrProtocol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return Authorization{}, fmt.Errorf("%w: decode device code response: %w", ErrProtocol, err)
	}
	if dc.UserCode == "" {
		return Authorization{}, fmt.Errorf("%w: device code response has no user_code", ErrProtocol)
	}
	if dc.DeviceCode == "" {
		return Authorization{}, fmt.Errorf("%w: device code response has no device_code", ErrProtocol)
	}

	verification := dc.VerificationURIComplete
	if verification == "" {
		verification = dc.VerificationURI
	}
	if verification == "" {
		verification = f.cfg.VerificationURL
	}

	auth := Authorization{
		DeviceCode:      dc.DeviceCode,
		UserCode:        dc.UserCode,
		VerificationURL: verification,
		ExpiresIn:       dc.ExpiresIn,
		Interval:        dc.Interval,
		IssuedAt:        f.now(),
	}
	f.logger.Info("device authorization started",
		"user_code", auth.UserCode,
		"expires_in", auth.ExpiresIn,
		"interval", auth.Interval,
	)
	return auth, nil
}

// PollInterval is the delay between token polls for auth.
func (f *DeviceFlow) PollInterval(auth Authorization) time.Duration {
	return max(time.Duration(auth.Interval)*time.Second, f.cfg.MinPollInterval)
}

// Deadline is the instant after which polling for auth stops.
func (f *DeviceFlow) Deadline(auth Authorization) time.Time {
	if auth.ExpiresIn > 0 {
		return auth.IssuedAt.Add(time.Duration(auth.ExpiresIn) * time.Second)
	}
	timeout := f.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return auth.IssuedAt.Add(timeout)
}

// PollTask is a running poll loop. The zero value and nil are inert.
type PollTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
}

// Cancel stops polling without emitting an outcome. It is idempotent.
func (t *PollTask) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the poll goroutine has exited.
func (t *PollTask) Done() <-chan struct{} {
	if t == nil || t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

func (t *PollTask) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// whileActive runs fn only if the task has not been cancelled. A Cancel
// racing with fn waits for it to finish.
func (t *PollTask) whileActive(fn func() error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false, nil
	}
	return true, fn()
}

// StartPolling polls the token endpoint in a new goroutine until a terminal
// response, the deadline, or Cancel. onOutcome runs on that goroutine.
func (f *DeviceFlow) StartPolling(ctx context.Context, auth Authorization, onOutcome func(Outcome)) *PollTask {
	ctx, cancel := context.WithCancel(ctx)
	task := &PollTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		defer cancel()

		outcome, ok := f.poll(ctx, task, auth)
		if !ok || !task.active() {
			f.logger.Debug("device polling stopped without outcome", "user_code", auth.UserCode)
			return
		}
		f.logger.Info("device authorization finished",
			"user_code", auth.UserCode,
			"outcome", outcome.Kind.String(),
			"reason", outcome.Reason,
		)
		if onOutcome != nil {
			onOutcome(outcome)
		}
	}()

	return task
}

func (f *DeviceFlow) poll(ctx context.Context, task *PollTask, auth Authorization) (Outcome, bool) {
	interval := f.PollInterval(auth)
	deadline := f.Deadline(auth)

	for {
		if !f.now().Before(deadline) {
			return Outcome{Kind: OutcomeRejected, Reason: ReasonExpired}, true
		}

		select {
		case <-ctx.Done():
			return Outcome{}, false
		case <-f.after(interval):
		}

		if !task.active() {
			return Outcome{}, false
		}
		if !f.now().Before(deadline) {
			return Outcome{Kind: OutcomeRejected, Reason: ReasonExpired}, true
		}

		tr, err := f.pollOnce(ctx, auth.DeviceCode)
		if ctx.Err() != nil {
			return Outcome{}, false
		}
		if err != nil {
			f.logger.Warn("device token poll failed, retrying", "error", err)
			continue
		}

		switch {
		case tr.AccessToken != "":
			token := &oauth2.Token{
				AccessToken:  tr.AccessToken,
				RefreshToken: tr.RefreshToken,
				TokenType:    tr.TokenType,
			}
			if tr.ExpiresIn > 0 {
				token.Expiry = f.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
			}
			ran, err := task.whileActive(func() error { return f.persist(ctx, token) })
			if !ran {
				return Outcome{}, false
			}
			if err != nil {
				f.logger.Error("failed to persist device tokens", "error", err)
				return Outcome{Kind: OutcomeRejected, Reason: ReasonPersistFailed}, true
			}
			return Outcome{Kind: OutcomeAuthenticated, Token: token}, true
		case tr.Error == ReasonExpired || tr.Error == ReasonDenied:
			return Outcome{Kind: OutcomeRejected, Reason: tr.Error}, true
		case tr.Error == "authorization_pending" || tr.Error == "slow_down":
			f.logger.Debug("device authorization pending", "status", tr.Error)
		default:
			f.logger.Warn("unrecognized device token response, retrying",
				"status", tr.Error,
				"description", tr.ErrorDescription,
			)
		}
	}
}

func (f *DeviceFlow) persist(ctx context.Context, token *oauth2.Token) error {
	if f.store == nil {
		return nil
	}
	return f.store.SaveTokens(ctx, Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	})
}

func (f *DeviceFlow) pollOnce(ctx context.Context, deviceCode string) (tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", deviceCode)
	form.Set("client_id", f.cfg.ClientID)

	resp, err := f.postForm(ctx, f.cfg.TokenURL, form)
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()

	// Pending and rejection states arrive as 4xx with an error body.
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return tokenResponse{}, fmt.Errorf("%w: decode token response (status %d): %w", ErrProtocol, resp.StatusCode, err)
	}
	return tr, nil
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}
