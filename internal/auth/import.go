package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// externalAuthFile is the Codex CLI auth.json layout.
type externalAuthFile struct {
	AuthMode  string `json:"auth_mode"`
	OpenAIKey string `json:"OPENAI_API_KEY"`
	LegacyKey string `json:"openai_api_key"`
	Tokens    *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
}

// ReadExternalCredentials parses a Codex CLI auth.json. An API key wins over
// a token pair when both are present.
func ReadExternalCredentials(path string) (*domain.StoredAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file externalAuthFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	key := strings.TrimSpace(file.OpenAIKey)
	if key == "" {
		key = strings.TrimSpace(file.LegacyKey)
	}
	if key != "" {
		return &domain.StoredAuth{Method: domain.AuthMethodAPIKey, APIKey: key}, nil
	}

	if file.Tokens != nil && file.Tokens.AccessToken != "" {
		accountID := file.Tokens.AccountID
		if accountID == "" {
			accountID = AccountIDFromJWT(file.Tokens.AccessToken)
		}
		return &domain.StoredAuth{
			Method:       domain.AuthMethodCodex,
			AccessToken:  file.Tokens.AccessToken,
			RefreshToken: file.Tokens.RefreshToken,
			AccountID:    accountID,
		}, nil
	}

	return nil, fmt.Errorf("%w in %s", ErrNoExternalCredentials, path)
}

// AccountIDFromJWT extracts the ChatGPT account id claim from an access
// token. The signature is not verified.
func AccountIDFromJWT(token string) string {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return ""
	}
	var claims struct {
		Auth struct {
			AccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Auth.AccountID
}
