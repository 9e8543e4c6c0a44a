package service

import (
	"context"
	"log/slog"
	"time"

	"mp_watcher/internal/domain"
	"mp_watcher/internal/metrics"
)

const staleMessage = "run timed out before completion"

// Ledger wraps the run log store with best-effort semantics: a logging
// failure must never abort a crawl run. It also reconciles entries stuck
// in a non-terminal status past the staleness threshold.
type Ledger struct {
	logs       RunLogStore
	logger     *slog.Logger
	staleAfter time.Duration
}

func NewLedger(logs RunLogStore, logger *slog.Logger, staleAfter time.Duration) *Ledger {
	return &Ledger{
		logs:       logs,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Append writes a run log entry. Errors are observed and dropped so a
// secondary failure never compounds the primary one.
func (l *Ledger) Append(ctx context.Context, entry *domain.RunLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := l.logs.Append(ctx, entry); err != nil {
		l.logger.Warn("run log append failed",
			"target", entry.TargetName,
			"status", entry.Status,
			"error", err,
		)
	}
}

// SweepStale rewrites start/progress entries older than the staleness
// threshold to error status. Idempotent: terminal entries are untouched.
func (l *Ledger) SweepStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.staleAfter)
	n, err := l.logs.MarkStale(ctx, cutoff, staleMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleLogsSwept.Add(float64(n))
		l.logger.Info("swept stale run log entries", "count", n)
	}
	return n, nil
}

// Latest returns the newest entry per target, sweeping stale entries
// opportunistically first.
func (l *Ledger) Latest(ctx context.Context) ([]domain.RunLogEntry, error) {
	if _, err := l.SweepStale(ctx); err != nil {
		l.logger.Warn("stale sweep on read failed", "error", err)
	}
	return l.logs.LatestByTarget(ctx)
}

// Run sweeps periodically until ctx is canceled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.SweepStale(ctx); err != nil {
				l.logger.Warn("stale sweep failed", "error", err)
			}
		}
	}
}
