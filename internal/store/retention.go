package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = 1 * time.Hour

// StartRetentionWorker runs a background goroutine that periodically prunes
// finished units older than retention. It returns immediately.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval)
}

func startRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneFinishedUnits(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneFinishedUnits(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to prune units", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned finished units", "count", deleted)
	}
}
