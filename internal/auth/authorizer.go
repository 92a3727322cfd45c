package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// AccountIDHeader carries the ChatGPT account for token-authenticated requests.
const AccountIDHeader = "ChatGPT-Account-Id"

// CredentialSource is the credential access the Authorizer needs.
type CredentialSource interface {
	Credentials(ctx context.Context) (*domain.StoredAuth, error)
	UpdateTokens(ctx context.Context, previous *domain.StoredAuth, tokens Tokens) error
}

// Authorizer attaches stored credentials to chat requests and refreshes
// expired OAuth tokens.
type Authorizer struct {
	source     CredentialSource
	oauth      oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewAuthorizer creates an Authorizer refreshing against cfg.TokenURL.
func NewAuthorizer(source CredentialSource, cfg DeviceConfig, httpClient *http.Client, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		source: source,
		oauth: oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		logger:     logger,
	}
}

// Authorize sets the bearer credential and, for OAuth tokens, the account header.
func (a *Authorizer) Authorize(ctx context.Context, req *http.Request) error {
	stored, err := a.source.Credentials(ctx)
	if err != nil {
		return err
	}

	switch stored.Method {
	case domain.AuthMethodAPIKey:
		req.Header.Set("Authorization", "Bearer "+stored.APIKey)
	case domain.AuthMethodCodex:
		req.Header.Set("Authorization", "Bearer "+stored.AccessToken)
		if stored.AccountID != "" {
			req.Header.Set(AccountIDHeader, stored.AccountID)
		}
	default:
		return ErrNotAuthenticated
	}
	return nil
}

// Refresh exchanges the stored refresh token for a new access token. It
// reports false when the stored credentials cannot be refreshed.
func (a *Authorizer) Refresh(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.source.Credentials(ctx)
	if errors.Is(err, ErrNotAuthenticated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored.Method != domain.AuthMethodCodex || stored.RefreshToken == "" {
		return false, nil
	}

	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	// A token with no access token is never valid, so the source refreshes.
	token, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		return false, fmt.Errorf("refresh access token: %w", err)
	}

	if err := a.source.UpdateTokens(ctx, stored, Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}); err != nil {
		return false, err
	}

	a.logger.Info("access token refreshed", "account_id", stored.AccountID)
	return true, nil
}
