package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
)

// ErrTransport is matched by every error raised while opening a stream.
var ErrTransport = errors.New("stream transport error")

// TransportError describes a chat stream that could not be opened.
type TransportError struct {
	Status      int
	BodySnippet string
	Err         error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("open chat stream: %v", e.Err)
	case e.BodySnippet != "":
		return fmt.Sprintf("chat stream http %d: %s", e.Status, e.BodySnippet)
	default:
		return fmt.Sprintf("chat stream http %d", e.Status)
	}
}

// Is reports ErrTransport so callers can use errors.Is.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Request is the body posted to the chat-stream endpoint.
type Request struct {
	Message    string `json:"message"`
	Screenshot string `json:"screenshot,omitempty"`
}

// Authorizer attaches credentials to outgoing stream requests.
type Authorizer interface {
	// Authorize sets authentication headers on req.
	Authorize(ctx context.Context, req *http.Request) error
	// Refresh renews expired credentials. It reports whether a retry is worthwhile.
	Refresh(ctx context.Context) (bool, error)
}

// Client opens chat streams against a single endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authorizer Authorizer
	logger     *slog.Logger
}

// NewClient creates a chat-stream client. authorizer may be nil.
func NewClient(endpoint string, httpClient *http.Client, authorizer Authorizer, logger *slog.Logger) *Client {
	if httpClient == nil {
		// No client timeout: streams stay open for as long as the model writes.
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		authorizer: authorizer,
		logger:     logger,
	}
}

// Chat posts req and yields decoded events as they arrive.
// If the stream cannot be opened, a *TransportError is yielded before any event.
func (c *Client) Chat(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := c.open(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close chat stream body", "error", closeErr)
			}
		}()

		for ev, err := range Decode(resp.Body) {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (c *Client) open(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.authorizer != nil {
		drain(resp)
		refreshed, refreshErr := c.authorizer.Refresh(ctx)
		if refreshErr != nil {
			c.logger.Warn("chat stream credential refresh failed", "error", refreshErr)
			return nil, &TransportError{Status: http.StatusUnauthorized, Err: refreshErr}
		}
		if !refreshed {
			return nil, &TransportError{Status: http.StatusUnauthorized, BodySnippet: "unauthorized"}
		}
		c.logger.Info("chat stream credentials refreshed, retrying")
		if resp, err = c.post(ctx, body); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &TransportError{
			Status:      resp.StatusCode,
			BodySnippet: strings.TrimSpace(string(raw)),
		}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &TransportError{Status: resp.StatusCode, BodySnippet: "response has no body"}
	}

	return resp, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if c.authorizer != nil {
		if err := c.authorizer.Authorize(ctx, httpReq); err != nil {
			return nil, &TransportError{Err: err}
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
