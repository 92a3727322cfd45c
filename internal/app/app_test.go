package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/canvaspilot/internal/action"
	"github.com/ashureev/canvaspilot/internal/auth"
	"github.com/ashureev/canvaspilot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:          filepath.Join(dir, "canvas.db"),
		ChatStreamURL:   "http://127.0.0.1:1/stream",
		SessionTTL:      0,
		SnapshotTimeout: 0,
		Auth: config.AuthConfig{
			ClientID:  "client",
			CodexHome: filepath.Join(dir, "codex"),
		},
		ConversationLog: config.ConversationLogConfig{Enabled: false},
	}
}

func TestNewStartsInMenuWithoutCredentials(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.Menu.View().State != auth.StateMenu || a.Menu.Ready() {
		t.Fatalf("expected menu without credentials, got %s", a.Menu.View().State)
	}
	if a.Registry == nil || a.Document == nil || a.Bridge == nil {
		t.Fatal("expected wired components")
	}
}

func TestCanvasSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := action.NewExecutor(nil).Apply(action.AddComponent{Type: "Button"}, first.Document)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	c, ok := second.Document.Component(res.ID)
	if !ok || c.Name != res.Label {
		t.Fatalf("expected %s to be restored, got %+v (found=%v)", res.ID, c, ok)
	}
}
