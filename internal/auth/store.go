package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// Status is the credential summary exposed by a ConfigStore.
type Status struct {
	HasAPIKey         bool              `json:"hasApiKey"`
	HasExternalAuth   bool              `json:"hasExternalAuth"`
	Method            domain.AuthMethod `json:"authMethod"`
	ExternalAvailable bool              `json:"externalAvailable"`
}

// Authenticated reports whether any usable credential is stored.
func (s Status) Authenticated() bool {
	return s.HasAPIKey || s.HasExternalAuth
}

// PutRequest either stores an API key or clears all credentials.
type PutRequest struct {
	APIKey string `json:"apiKey,omitempty"`
	Clear  bool   `json:"clear,omitempty"`
}

// Tokens is the OAuth token pair produced by the device flow.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// ImportResult reports which credential kind was imported.
type ImportResult struct {
	Method domain.AuthMethod `json:"method"`
}

// ConfigStore persists credentials on behalf of the auth flows.
type ConfigStore interface {
	Get(ctx context.Context) (Status, error)
	Put(ctx context.Context, req PutRequest) error
	SaveTokens(ctx context.Context, tokens Tokens) error
	ImportExternalCredentials(ctx context.Context) (ImportResult, error)
}

// CredentialRepository is the persistence the RepositoryStore needs.
type CredentialRepository interface {
	GetAuth(ctx context.Context) (*domain.StoredAuth, error)
	SaveAuth(ctx context.Context, auth *domain.StoredAuth) error
}

// RepositoryStore implements ConfigStore over a CredentialRepository.
type RepositoryStore struct {
	repo         CredentialRepository
	externalPath string
	now          func() time.Time
}

var _ ConfigStore = (*RepositoryStore)(nil)

// NewRepositoryStore creates a store. externalPath points at a Codex CLI
// auth.json and may be empty.
func NewRepositoryStore(repo CredentialRepository, externalPath string) *RepositoryStore {
	return &RepositoryStore{repo: repo, externalPath: externalPath, now: time.Now}
}

// Credentials returns the stored record, or ErrNotAuthenticated.
func (s *RepositoryStore) Credentials(ctx context.Context) (*domain.StoredAuth, error) {
	stored, err := s.repo.GetAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !stored.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return stored, nil
}

func (s *RepositoryStore) Get(ctx context.Context) (Status, error) {
	stored, err := s.repo.GetAuth(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load credentials: %w", err)
	}
	status := Status{ExternalAvailable: s.externalAvailable()}
	if stored != nil {
		status.HasAPIKey = stored.HasAPIKey()
		status.HasExternalAuth = stored.HasExternalAuth()
		status.Method = stored.Method
	}
	return status, nil
}

func (s *RepositoryStore) Put(ctx context.Context, req PutRequest) error {
	if req.Clear {
		return s.save(ctx, &domain.StoredAuth{})
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		return errors.New("api key cannot be empty")
	}
	return s.save(ctx, &domain.StoredAuth{Method: domain.AuthMethodAPIKey, APIKey: key})
}

func (s *RepositoryStore) SaveTokens(ctx context.Context, tokens Tokens) error {
	if tokens.AccessToken == "" {
		return errors.New("access token is required")
	}
	return s.save(ctx, &domain.StoredAuth{
		Method:       domain.AuthMethodCodex,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		AccountID:    AccountIDFromJWT(tokens.AccessToken),
	})
}

// UpdateTokens replaces the token pair after a refresh, keeping the account id
// when the new access token does not carry one.
func (s *RepositoryStore) UpdateTokens(ctx context.Context, previous *domain.StoredAuth, tokens Tokens) error {
	accountID := AccountIDFromJWT(tokens.AccessToken)
	if accountID == "" && previous != nil {
		accountID = previous.AccountID
	}
	refresh := tokens.RefreshToken
	if refresh == "" && previous != nil {
		refresh = previous.RefreshToken
	}
	return s.save(ctx, &domain.StoredAuth{
		Method:       domain.AuthMethodCodex,
		AccessToken:  tokens.AccessToken,
		RefreshToken: refresh,
		AccountID:    accountID,
	})
}

func (s *RepositoryStore) ImportExternalCredentials(ctx context.Context) (ImportResult, error) {
	if s.externalPath == "" {
		return ImportResult{}, fmt.Errorf("%w: no external credentials path configured", ErrNoExternalCredentials)
	}
	stored, err := ReadExternalCredentials(s.externalPath)
	if err != nil {
		return ImportResult{}, err
	}
	if err := s.save(ctx, stored); err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Method: stored.Method}, nil
}

func (s *RepositoryStore) save(ctx context.Context, stored *domain.StoredAuth) error {
	stored.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveAuth(ctx, stored); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *RepositoryStore) externalAvailable() bool {
	if s.externalPath == "" {
		return false
	}
	_, err := os.Stat(s.externalPath)
	return err == nil
}
