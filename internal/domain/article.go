package domain

import "time"

// Article is one ingested listing item. URL is the global dedup key:
// re-ingesting a known URL is a no-op and the first write wins.
type Article struct {
	ID          string
	TargetID    string
	MPName      string // source account display name at ingestion time
	MPID        string // resolved external id of the source account
	Title       string
	URL         string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// CrawlStats summarizes one completed crawl run.
type CrawlStats struct {
	TargetID  string
	Fetched   int
	New       int
	Published int
	Duration  time.Duration
}
