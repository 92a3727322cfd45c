package agent

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorInterval       = 5 * time.Minute
	conversationRetention = 7 * 24 * time.Hour
)

// EvictCallback is called for each session removed by the janitor.
type EvictCallback func(sessionID string)

// StartJanitor runs a background goroutine that periodically evicts idle
// sessions and deletes persisted conversations past retention.
func StartJanitor(ctx context.Context, reg *Registry, ttl time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("session janitor started", "interval", janitorInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepSessions(ctx, reg, ttl, onEvict)
			case <-ctx.Done():
				slog.Info("session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepSessions(ctx context.Context, reg *Registry, ttl time.Duration, onEvict EvictCallback) {
	evicted := reg.Sweep(ttl)
	for _, id := range evicted {
		if onEvict != nil {
			onEvict(id)
		}
	}
	if len(evicted) > 0 {
		slog.Info("session janitor evicted idle sessions", "count", len(evicted))
	}

	if reg.store == nil {
		return
	}
	if deleted, err := reg.store.CleanupExpiredConversations(ctx, conversationRetention); err != nil {
		slog.Error("session janitor failed to cleanup conversations", "error", err)
	} else if deleted > 0 {
		slog.Info("session janitor cleaned up conversations", "count", deleted)
	}
}
