// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	ChatStreamURL   string
	SessionTTL      time.Duration
	SnapshotTimeout time.Duration
	Auth            AuthConfig
	Review          ReviewConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// AuthConfig describes the OAuth device-code provider.
type AuthConfig struct {
	ClientID        string
	DeviceCodeURL   string
	TokenURL        string
	VerificationURL string
	Scope           string
	Audience        string
	MinPollInterval time.Duration
	PollTimeout     time.Duration // fallback bound when the provider omits expires_in
	CodexHome       string
}

// ReviewConfig controls the automatic self-review rounds.
type ReviewConfig struct {
	MaxRounds   int
	Delay       time.Duration
	Instruction string
}

// RateLimitConfig throttles chat requests per session.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig holds chat stream response limits.
type SSEConfig struct {
	MaxRequestBodySize int64
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	ReplayBufferSize   int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxOpenFiles  int
}

// DefaultReviewInstruction is resubmitted with each post-change snapshot.
const DefaultReviewInstruction = "Review the screenshot of the canvas after your last changes. " +
	"If components overlap, are misaligned or are missing, fix them with tool calls. " +
	"If everything looks right, reply briefly without calling any tools."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/canvaspilot.db"),
		ChatStreamURL:   getEnv("CHAT_STREAM_URL", "http://localhost:8090/api/ai/chat/stream"),
		SessionTTL:      getEnvDuration("SESSION_TTL", 60*time.Minute),
		SnapshotTimeout: getEnvDuration("SNAPSHOT_TIMEOUT", 5*time.Second),
		Auth: AuthConfig{
			ClientID:        getEnv("AUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
			DeviceCodeURL:   getEnv("AUTH_DEVICE_CODE_URL", "https://auth0.openai.com/oauth/device/code"),
			TokenURL:        getEnv("AUTH_TOKEN_URL", "https://auth0.openai.com/oauth/token"),
			VerificationURL: getEnv("AUTH_VERIFICATION_URL", "https://auth.openai.com/codex/device"),
			Scope:           getEnv("AUTH_SCOPE", "openid profile email offline_access"),
			Audience:        getEnv("AUTH_AUDIENCE", "https://api.openai.com/v1"),
			MinPollInterval: getEnvDuration("AUTH_MIN_POLL_INTERVAL", 5*time.Second),
			PollTimeout:     getEnvDuration("AUTH_POLL_TIMEOUT", 15*time.Minute),
			CodexHome:       getEnv("CODEX_HOME", defaultCodexHome()),
		},
		Review: ReviewConfig{
			MaxRounds:   getEnvInt("REVIEW_MAX_ROUNDS", 2),
			Delay:       getEnvDuration("REVIEW_DELAY", 800*time.Millisecond),
			Instruction: getEnv("REVIEW_INSTRUCTION", DefaultReviewInstruction),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			// Screenshots travel inline as base64, so the body limit is generous.
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", 8<<20)),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			ReplayBufferSize:   getEnvInt("SSE_REPLAY_BUFFER_SIZE", 100),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
			MaxOpenFiles:  getEnvInt("CONVERSATION_LOG_MAX_OPEN_FILES", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChatStreamURL == "" {
		return fmt.Errorf("CHAT_STREAM_URL cannot be empty")
	}
	if c.Auth.ClientID == "" {
		return fmt.Errorf("AUTH_CLIENT_ID cannot be empty")
	}
	if c.Auth.DeviceCodeURL == "" || c.Auth.TokenURL == "" {
		return fmt.Errorf("AUTH_DEVICE_CODE_URL and AUTH_TOKEN_URL cannot be empty")
	}
	if c.Auth.MinPollInterval <= 0 {
		return fmt.Errorf("AUTH_MIN_POLL_INTERVAL must be > 0")
	}
	if c.Review.MaxRounds < 0 {
		return fmt.Errorf("REVIEW_MAX_ROUNDS must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 || c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE and SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ExternalCredentialsPath is the Codex CLI auth file offered for import.
func (c *Config) ExternalCredentialsPath() string {
	if c.Auth.CodexHome == "" {
		return ""
	}
	return filepath.Join(c.Auth.CodexHome, "auth.json")
}

func defaultCodexHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("800ms") or bare seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
