package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 100 * time.Millisecond
)

// isConflictError reports SQLITE_BUSY and "database is locked" failures,
// the two SQLite concurrency errors worth retrying.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withConflictRetry runs fn, retrying conflicts with exponential backoff
// (100ms, 200ms).
func withConflictRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if err = fn(); err == nil || !isConflictError(err) {
			return err
		}
		if i == conflictRetries-1 {
			break
		}
		delay := conflictBaseDelay * time.Duration(1<<i)
		slog.Debug("sqlite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
