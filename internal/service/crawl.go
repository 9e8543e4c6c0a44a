package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mp_watcher/internal/domain"
	"mp_watcher/internal/metrics"
)

// CrawlService runs one target's crawl end-to-end: credential lookup,
// identifier resolution with caching, paginated listing fetch, idempotent
// ingestion and run-log bookkeeping. All failures are recorded on the
// target and in the run ledger; the returned error is informational for
// the dispatcher and never fatal to it.
type CrawlService struct {
	source    Source
	targets   TargetStore
	accounts  AccountStore
	articles  ArticleStore
	ledger    *Ledger
	publisher Publisher // optional
	logger    *slog.Logger
	pageCount int
}

func NewCrawlService(
	source Source,
	targets TargetStore,
	accounts AccountStore,
	articles ArticleStore,
	ledger *Ledger,
	publisher Publisher,
	logger *slog.Logger,
	pageCount int,
) *CrawlService {
	return &CrawlService{
		source:    source,
		targets:   targets,
		accounts:  accounts,
		articles:  articles,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		pageCount: pageCount,
	}
}

func (s *CrawlService) Crawl(ctx context.Context, target *domain.Target) (*domain.CrawlStats, error) {
	start := time.Now()
	log := s.logger.With("target", target.Name)

	// preconditions: these fail before any run log entry is written
	if target.Name == "" {
		return nil, s.abort(ctx, target, fmt.Errorf("target has no name"))
	}
	if target.AccountID == "" {
		return nil, s.abort(ctx, target, fmt.Errorf("%w: no account bound", domain.ErrMissingCredential))
	}
	cred, err := s.accounts.Resolve(ctx, target.AccountID)
	if err != nil {
		return nil, s.abort(ctx, target, fmt.Errorf("%w: resolve account: %v", domain.ErrMissingCredential, err))
	}
	if cred.Token == "" || cred.Cookie == "" {
		return nil, s.abort(ctx, target, fmt.Errorf("%w: token or cookie empty", domain.ErrMissingCredential))
	}

	externalID := target.ExternalID
	usedCache := externalID != ""
	if !usedCache {
		log.Info("no cached external id, resolving")
		match, err := s.resolve(ctx, cred, target.Name)
		if err != nil {
			return nil, s.fail(ctx, target, start, "resolve", err)
		}
		externalID = match.ExternalID
		// persist before the fetch so a crash mid-fetch leaves the
		// cache warm for the next attempt
		s.saveResolution(ctx, target, externalID, match.AvatarURL)
	} else if target.AvatarURL == "" {
		if match, err := s.resolve(ctx, cred, target.Name); err == nil {
			s.saveResolution(ctx, target, externalID, match.AvatarURL)
		}
	}

	s.ledger.Append(ctx, &domain.RunLogEntry{
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     domain.RunStart,
		Message:    "crawl started",
		Step:       "fetch",
		PageNum:    s.pageCount,
	})

	listings, err := s.source.FetchListings(ctx, cred, externalID, s.pageCount)
	if err != nil {
		return nil, s.fail(ctx, target, start, "fetch", fmt.Errorf("fetch listings: %w", err))
	}

	// a cached id that yields nothing is assumed rotated: invalidate,
	// re-resolve once, retry the fetch once
	if len(listings) == 0 && usedCache {
		log.Warn("cached external id yielded no articles, re-resolving")
		if err := s.targets.ClearExternalID(ctx, target.ID); err != nil {
			log.Warn("failed to clear cached external id", "error", err)
		}
		match, err := s.resolve(ctx, cred, target.Name)
		if err != nil {
			return nil, s.fail(ctx, target, start, "resolve", fmt.Errorf("refresh stale identifier: %w", err))
		}
		externalID = match.ExternalID
		s.saveResolution(ctx, target, externalID, match.AvatarURL)

		listings, err = s.source.FetchListings(ctx, cred, externalID, s.pageCount)
		if err != nil {
			return nil, s.fail(ctx, target, start, "fetch", fmt.Errorf("fetch listings: %w", err))
		}
		if len(listings) == 0 {
			return nil, s.fail(ctx, target, start, "fetch",
				fmt.Errorf("%w: no articles after identifier refresh", domain.ErrStaleExternalID))
		}
	}

	stats := &domain.CrawlStats{TargetID: target.ID, Fetched: len(listings)}
	now := time.Now().UTC()
	for i := range listings {
		l := &listings[i]
		article := &domain.Article{
			TargetID:    target.ID,
			MPName:      target.Name,
			MPID:        externalID,
			Title:       l.Title,
			URL:         l.URL,
			PublishedAt: l.PublishedAt,
			CreatedAt:   now,
		}
		inserted, err := s.articles.InsertIfAbsent(ctx, article)
		if err != nil {
			return nil, s.fail(ctx, target, start, "ingest", fmt.Errorf("store article: %w", err))
		}
		if !inserted {
			continue
		}
		stats.New++
		metrics.ArticlesIngested.WithLabelValues(target.Name).Inc()

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, article); err != nil {
				log.Warn("publish article", "url", article.URL, "error", err)
			} else {
				stats.Published++
			}
		}
	}

	if err := s.targets.MarkSuccess(ctx, target.ID, time.Now().UTC()); err != nil {
		return nil, s.fail(ctx, target, start, "bookkeeping", fmt.Errorf("mark success: %w", err))
	}

	stats.Duration = time.Since(start)
	metrics.CrawlRunsTotal.WithLabelValues(target.Name, "finish").Inc()
	metrics.CrawlDuration.WithLabelValues(target.Name).Observe(stats.Duration.Seconds())

	s.ledger.Append(ctx, &domain.RunLogEntry{
		TargetID:      target.ID,
		TargetName:    target.Name,
		Status:        domain.RunFinish,
		Message:       fmt.Sprintf("fetched %d articles, %d new", stats.Fetched, stats.New),
		Step:          "finish",
		ArticlesCount: stats.Fetched,
		NewCount:      stats.New,
		DurationMS:    stats.Duration.Milliseconds(),
		PageNum:       s.pageCount,
	})

	log.Info("crawl completed",
		"fetched", stats.Fetched,
		"new", stats.New,
		"published", stats.Published,
		"duration", stats.Duration,
	)
	return stats, nil
}

// resolve searches the platform for the target's display name and adopts
// the first candidate.
func (s *CrawlService) resolve(ctx context.Context, cred *domain.Credential, name string) (*domain.AccountMatch, error) {
	matches, err := s.source.Search(ctx, cred, name)
	if err != nil {
		return nil, fmt.Errorf("search account: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: search returned no candidates, credential may be invalid", domain.ErrNotFound)
	}
	return &matches[0], nil
}

// saveResolution persists the resolved id and avatar. Failing to warm the
// cache is not fatal to the run; the next run re-resolves.
func (s *CrawlService) saveResolution(ctx context.Context, target *domain.Target, externalID, avatarURL string) {
	if err := s.targets.SaveResolution(ctx, target.ID, externalID, avatarURL); err != nil {
		s.logger.Warn("failed to save resolved identifier", "target", target.Name, "error", err)
		return
	}
	target.ExternalID = externalID
	if avatarURL != "" {
		target.AvatarURL = avatarURL
	}
}

// abort records a precondition failure on the target without touching the
// run ledger.
func (s *CrawlService) abort(ctx context.Context, target *domain.Target, err error) error {
	s.setLastError(ctx, target, err.Error())
	metrics.CrawlRunsTotal.WithLabelValues(target.Name, "aborted").Inc()
	return err
}

// fail records a run failure: last_error on the target plus an error entry
// in the ledger. last_run_at stays untouched so "never succeeded" remains
// distinguishable from "succeeded long ago".
func (s *CrawlService) fail(ctx context.Context, target *domain.Target, start time.Time, step string, err error) error {
	s.setLastError(ctx, target, err.Error())
	s.ledger.Append(ctx, &domain.RunLogEntry{
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     domain.RunError,
		Message:    err.Error(),
		Step:       step,
		DurationMS: time.Since(start).Milliseconds(),
	})
	metrics.CrawlRunsTotal.WithLabelValues(target.Name, "error").Inc()
	return err
}

func (s *CrawlService) setLastError(ctx context.Context, target *domain.Target, message string) {
	if err := s.targets.SetLastError(ctx, target.ID, message); err != nil {
		s.logger.Warn("failed to record last_error", "target", target.Name, "error", err)
	}
}
