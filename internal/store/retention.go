package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/membercare/chat-gateway/internal/shared"
)

const retentionSweepInterval = 1 * time.Hour

// StartRetentionWorker runs a background goroutine that periodically removes
// transcripts older than the retention window.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	ticker := time.NewTicker(retentionSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Transcript retention worker started",
			"interval", retentionSweepInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepExpiredTranscripts(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredTranscripts(ctx context.Context, repo Repository, retention time.Duration) {
	cutoff := time.Now().Add(-retention)

	deleted, err := deleteTranscriptsWithRetry(ctx, repo, cutoff)
	if err != nil {
		slog.Error("Retention worker failed to delete expired transcripts", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed expired transcripts", "count", deleted)
	}
}

// deleteTranscriptsWithRetry retries the sweep with exponential backoff on
// SQLITE_BUSY, which occurs when a transcript save holds the write lock.
func deleteTranscriptsWithRetry(ctx context.Context, repo Repository, cutoff time.Time) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		deleted, err := repo.DeleteTranscriptsBefore(ctx, cutoff)
		if err == nil {
			return deleted, nil
		}
		lastErr = err

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Retention sweep hit SQLITE_BUSY, retrying",
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		if ctx.Err() != nil {
			// Shutdown in progress; the next sweep will pick this up.
			return 0, nil
		}
		break
	}

	return 0, lastErr
}
