package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"mp_watcher/internal/domain"
	"mp_watcher/internal/service/mocks"
)

type CrawlServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	source    *mocks.MockSource
	targets   *mocks.MockTargetStore
	accounts  *mocks.MockAccountStore
	articles  *mocks.MockArticleStore
	runLogs   *mocks.MockRunLogStore
	publisher *mocks.MockPublisher

	service *CrawlService
	logger  *slog.Logger
}

func (s *CrawlServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.source = mocks.NewMockSource(s.ctrl)
	s.targets = mocks.NewMockTargetStore(s.ctrl)
	s.accounts = mocks.NewMockAccountStore(s.ctrl)
	s.articles = mocks.NewMockArticleStore(s.ctrl)
	s.runLogs = mocks.NewMockRunLogStore(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	ledger := NewLedger(s.runLogs, s.logger, 30*time.Minute)
	s.service = NewCrawlService(
		s.source,
		s.targets,
		s.accounts,
		s.articles,
		ledger,
		s.publisher,
		s.logger,
		3,
	)
}

func (s *CrawlServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestCrawlServiceTestSuite(t *testing.T) {
	suite.Run(t, new(CrawlServiceTestSuite))
}

func (s *CrawlServiceTestSuite) target() *domain.Target {
	return &domain.Target{
		ID:         "7",
		Name:       "Tech Weekly",
		AccountID:  "3",
		ExternalID: "MzA5cached",
		AvatarURL:  "https://example.com/avatar.jpg",
		Enabled:    true,
	}
}

func (s *CrawlServiceTestSuite) credential() *domain.Credential {
	return &domain.Credential{Token: "tok-123", Cookie: "session=abc"}
}

func (s *CrawlServiceTestSuite) listings(n int) []domain.Listing {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	out := make([]domain.Listing, n)
	for i := range out {
		out[i] = domain.Listing{
			Title:       "Article",
			URL:         "https://mp.weixin.qq.com/s/article-" + string(rune('a'+i)),
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func (s *CrawlServiceTestSuite) TestCrawl_Success() {
	ctx := context.Background()
	target := s.target()

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(s.listings(3), nil)

	// second article is already known
	insertions := 0
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Times(3).
		DoAndReturn(func(_ context.Context, article *domain.Article) (bool, error) {
			s.Equal("7", article.TargetID)
			s.Equal("Tech Weekly", article.MPName)
			s.Equal("MzA5cached", article.MPID)
			insertions++
			return insertions != 2, nil
		})
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Times(2).Return(nil)
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)

	var entries []domain.RunLogEntry
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, entry *domain.RunLogEntry) error {
			entries = append(entries, *entry)
			return nil
		})

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(3, stats.Fetched)
	s.Equal(2, stats.New)
	s.Equal(2, stats.Published)

	s.Require().Len(entries, 2)
	s.Equal(domain.RunStart, entries[0].Status)
	s.Equal("fetch", entries[0].Step)
	s.Equal(domain.RunFinish, entries[1].Status)
	s.Equal(3, entries[1].ArticlesCount)
	s.Equal(2, entries[1].NewCount)
	s.False(entries[1].CreatedAt.IsZero())
}

func (s *CrawlServiceTestSuite) TestCrawl_NoAccountBound() {
	ctx := context.Background()
	target := s.target()
	target.AccountID = ""

	// precondition failures touch last_error only, never the run log
	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, domain.ErrMissingCredential)
}

func (s *CrawlServiceTestSuite) TestCrawl_EmptyCredential() {
	ctx := context.Background()
	target := s.target()

	s.accounts.EXPECT().Resolve(ctx, "3").Return(&domain.Credential{Token: "tok", Cookie: ""}, nil)
	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, domain.ErrMissingCredential)
}

func (s *CrawlServiceTestSuite) TestCrawl_ResolvesWhenNoCachedID() {
	ctx := context.Background()
	target := s.target()
	target.ExternalID = ""

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return([]domain.AccountMatch{
		{ExternalID: "MzA5fresh", Name: "Tech Weekly", AvatarURL: "https://example.com/new.jpg"},
		{ExternalID: "MzA5other", Name: "Tech Weekly Fan Club"},
	}, nil)
	// cache is warmed before the fetch
	s.targets.EXPECT().SaveResolution(ctx, "7", "MzA5fresh", "https://example.com/new.jpg").Return(nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5fresh", 3).Return(s.listings(1), nil)
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Return(true, nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(nil)
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(1, stats.New)
	s.Equal("MzA5fresh", target.ExternalID)
	s.Equal("https://example.com/new.jpg", target.AvatarURL)
}

func (s *CrawlServiceTestSuite) TestCrawl_SearchNoCandidates() {
	ctx := context.Background()
	target := s.target()
	target.ExternalID = ""

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return(nil, nil)
	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)

	var entry *domain.RunLogEntry
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, e *domain.RunLogEntry) error {
			entry = e
			return nil
		})

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, domain.ErrNotFound)
	s.Require().NotNil(entry)
	s.Equal(domain.RunError, entry.Status)
	s.Equal("resolve", entry.Step)
}

func (s *CrawlServiceTestSuite) TestCrawl_StaleCacheRecovered() {
	ctx := context.Background()
	target := s.target()

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)

	// cached id comes back empty, so it is invalidated and re-resolved
	// exactly once before one retry of the fetch
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(nil, nil)
	s.targets.EXPECT().ClearExternalID(ctx, "7").Return(nil)
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return([]domain.AccountMatch{
		{ExternalID: "MzA5rotated", Name: "Tech Weekly"},
	}, nil)
	s.targets.EXPECT().SaveResolution(ctx, "7", "MzA5rotated", "").Return(nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5rotated", 3).Return(s.listings(2), nil)

	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, article *domain.Article) (bool, error) {
			s.Equal("MzA5rotated", article.MPID)
			return true, nil
		})
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Times(2).Return(nil)
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(2, stats.Fetched)
	s.Equal("MzA5rotated", target.ExternalID)
}

func (s *CrawlServiceTestSuite) TestCrawl_StaleCacheStillEmpty() {
	ctx := context.Background()
	target := s.target()

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(nil, nil)
	s.targets.EXPECT().ClearExternalID(ctx, "7").Return(nil)
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return([]domain.AccountMatch{
		{ExternalID: "MzA5rotated", Name: "Tech Weekly"},
	}, nil)
	s.targets.EXPECT().SaveResolution(ctx, "7", "MzA5rotated", "").Return(nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5rotated", 3).Return(nil, nil)

	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, domain.ErrStaleExternalID)
}

func (s *CrawlServiceTestSuite) TestCrawl_AvatarBackfill() {
	ctx := context.Background()
	target := s.target()
	target.AvatarURL = ""

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	// cached id is kept; the search only backfills the avatar
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return([]domain.AccountMatch{
		{ExternalID: "MzA5whatever", Name: "Tech Weekly", AvatarURL: "https://example.com/found.jpg"},
	}, nil)
	s.targets.EXPECT().SaveResolution(ctx, "7", "MzA5cached", "https://example.com/found.jpg").Return(nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(s.listings(1), nil)
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Return(false, nil)
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(0, stats.New)
	s.Equal("https://example.com/found.jpg", target.AvatarURL)
}

func (s *CrawlServiceTestSuite) TestCrawl_FetchError() {
	ctx := context.Background()
	target := s.target()
	fetchErr := errors.New("status 502")

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(nil, fetchErr)
	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)

	var entries []domain.RunLogEntry
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, e *domain.RunLogEntry) error {
			entries = append(entries, *e)
			return nil
		})

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, fetchErr)
	s.Require().Len(entries, 2)
	s.Equal(domain.RunStart, entries[0].Status)
	s.Equal(domain.RunError, entries[1].Status)
	s.Equal("fetch", entries[1].Step)
}

func (s *CrawlServiceTestSuite) TestCrawl_StoreErrorFailsRun() {
	ctx := context.Background()
	target := s.target()
	storeErr := errors.New("connection reset")

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(s.listings(2), nil)
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Return(false, storeErr)
	s.targets.EXPECT().SetLastError(ctx, "7", gomock.Any()).Return(nil)

	var entries []domain.RunLogEntry
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, e *domain.RunLogEntry) error {
			entries = append(entries, *e)
			return nil
		})

	stats, err := s.service.Crawl(ctx, target)
	s.Nil(stats)
	s.ErrorIs(err, storeErr)
	s.Equal("ingest", entries[1].Step)
}

func (s *CrawlServiceTestSuite) TestCrawl_PublishFailureIsNonFatal() {
	ctx := context.Background()
	target := s.target()

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5cached", 3).Return(s.listings(1), nil)
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Return(true, nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(errors.New("channel closed"))
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(1, stats.New)
	s.Equal(0, stats.Published)
}

func (s *CrawlServiceTestSuite) TestCrawl_SaveResolutionFailureIsNonFatal() {
	ctx := context.Background()
	target := s.target()
	target.ExternalID = ""

	s.accounts.EXPECT().Resolve(ctx, "3").Return(s.credential(), nil)
	s.source.EXPECT().Search(ctx, gomock.Any(), "Tech Weekly").Return([]domain.AccountMatch{
		{ExternalID: "MzA5fresh", Name: "Tech Weekly"},
	}, nil)
	s.targets.EXPECT().SaveResolution(ctx, "7", "MzA5fresh", "").Return(errors.New("db down"))
	s.source.EXPECT().FetchListings(ctx, gomock.Any(), "MzA5fresh", 3).Return(s.listings(1), nil)
	s.articles.EXPECT().InsertIfAbsent(ctx, gomock.Any()).Return(true, nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(nil)
	s.targets.EXPECT().MarkSuccess(ctx, "7", gomock.Any()).Return(nil)
	s.runLogs.EXPECT().Append(ctx, gomock.Any()).Times(2).Return(nil)

	stats, err := s.service.Crawl(ctx, target)
	s.NoError(err)
	s.Equal(1, stats.New)
	// in-memory cache stays cold when the write failed
	s.Equal("", target.ExternalID)
}
