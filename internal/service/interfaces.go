package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"mp_watcher/internal/domain"
)

type TargetStore interface {
	Create(ctx context.Context, target *domain.Target) (string, error)
	Get(ctx context.Context, id string) (*domain.Target, error)
	ListEnabled(ctx context.Context) ([]domain.Target, error)
	// SaveResolution caches the resolved external id and avatar on the target.
	SaveResolution(ctx context.Context, id, externalID, avatarURL string) error
	ClearExternalID(ctx context.Context, id string) error
	// MarkSuccess sets last_run_at and clears last_error.
	MarkSuccess(ctx context.Context, id string, at time.Time) error
	SetLastError(ctx context.Context, id, message string) error
}

type AccountStore interface {
	Create(ctx context.Context, account *domain.Account) (string, error)
	// Resolve returns the credential for the referenced account.
	Resolve(ctx context.Context, accountID string) (*domain.Credential, error)
}

type ArticleStore interface {
	// InsertIfAbsent stores the article unless its URL is already known.
	// Reports whether a new row was written; existing rows are untouched.
	InsertIfAbsent(ctx context.Context, article *domain.Article) (bool, error)
	CountByTarget(ctx context.Context) (map[string]int64, error)
}

type RunLogStore interface {
	Append(ctx context.Context, entry *domain.RunLogEntry) error
	// MarkStale rewrites non-terminal entries created before the cutoff to
	// error status with the given message; returns how many were rewritten.
	MarkStale(ctx context.Context, before time.Time, message string) (int64, error)
	// LatestByTarget returns the newest entry per target.
	LatestByTarget(ctx context.Context) ([]domain.RunLogEntry, error)
}

type Source interface {
	Search(ctx context.Context, cred *domain.Credential, name string) ([]domain.AccountMatch, error)
	FetchListings(ctx context.Context, cred *domain.Credential, externalID string, pages int) ([]domain.Listing, error)
}

type Publisher interface {
	Publish(ctx context.Context, article *domain.Article) error
	Close() error
}
