// Package domain contains core domain types for canvaspilot.
package domain

import (
	"time"
)

// AuthMethod identifies how the stored credentials were obtained.
type AuthMethod string

const (
	// AuthMethodNone means no credentials are stored.
	AuthMethodNone AuthMethod = ""
	// AuthMethodAPIKey is a raw provider API key entered by the user.
	AuthMethodAPIKey AuthMethod = "api_key"
	// AuthMethodCodex is an OAuth token pair from the device flow or the Codex CLI.
	AuthMethodCodex AuthMethod = "codex_chatgpt"
)

// StoredAuth is the persisted credential record. At most one is stored.
type StoredAuth struct {
	Method       AuthMethod `json:"auth_method"`
	APIKey       string     `json:"api_key,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	AccountID    string     `json:"account_id,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasAPIKey returns true if an API key is configured.
func (a *StoredAuth) HasAPIKey() bool {
	return a != nil && a.Method == AuthMethodAPIKey && a.APIKey != ""
}

// HasExternalAuth returns true if an OAuth access token is configured.
func (a *StoredAuth) HasExternalAuth() bool {
	return a != nil && a.Method == AuthMethodCodex && a.AccessToken != ""
}

// Authenticated returns true if either credential kind is usable.
func (a *StoredAuth) Authenticated() bool {
	return a.HasAPIKey() || a.HasExternalAuth()
}
