package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REVIEW_MAX_ROUNDS", "")
	t.Setenv("CODEX_HOME", "/tmp/codex-home")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Review.MaxRounds != 2 {
		t.Errorf("expected fallback review rounds 2, got %d", cfg.Review.MaxRounds)
	}
	if cfg.Review.Delay != 800*time.Millisecond {
		t.Errorf("expected review delay 800ms, got %s", cfg.Review.Delay)
	}
	if cfg.Auth.MinPollInterval != 5*time.Second {
		t.Errorf("expected min poll interval 5s, got %s", cfg.Auth.MinPollInterval)
	}
	if got := cfg.ExternalCredentialsPath(); got != "/tmp/codex-home/auth.json" {
		t.Errorf("unexpected external credentials path %q", got)
	}
}

func TestLoadDurationForms(t *testing.T) {
	t.Setenv("REVIEW_DELAY", "250ms")
	t.Setenv("AUTH_MIN_POLL_INTERVAL", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Review.Delay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.Review.Delay)
	}
	if cfg.Auth.MinPollInterval != 7*time.Second {
		t.Errorf("expected bare seconds to parse as 7s, got %s", cfg.Auth.MinPollInterval)
	}
}

func TestLoadRejectsEmptyStreamURL(t *testing.T) {
	t.Setenv("CHAT_STREAM_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for empty CHAT_STREAM_URL")
	}
}
