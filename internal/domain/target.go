package domain

import "time"

// ScheduleMode selects how a target's crawl runs are scheduled.
type ScheduleMode string

const (
	ScheduleInterval ScheduleMode = "interval"
	ScheduleDaily    ScheduleMode = "daily"
	ScheduleCron     ScheduleMode = "cron"
	// ScheduleLegacy covers old records that only carry FreqMinutes.
	ScheduleLegacy ScheduleMode = ""
)

// Schedule is the tagged schedule variant carried by a target. Exactly one
// group of fields is meaningful depending on Mode.
type Schedule struct {
	Mode          ScheduleMode
	IntervalValue float64      // interval mode
	IntervalUnit  string       // "minute", "hour" or "day"
	DailyTimes    []string     // daily mode, "HH:MM" entries
	CronExpr      string       // cron mode, 5-field expression
	FreqMinutes   int          // legacy fixed-minutes fallback
}

// Target is a configured crawl subject: one official account watched on a
// schedule. ExternalID, AvatarURL, LastRunAt and LastError are execution
// state cached on the target and mutated only by the crawl executor.
type Target struct {
	ID         string
	Name       string // unique account display name, used for identifier search
	Schedule   Schedule
	Enabled    bool
	AccountID  string // reference to the credential account, owned externally
	ExternalID string // cached platform fakeid, empty until resolved
	AvatarURL  string
	LastRunAt  *time.Time
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential is the token/cookie pair needed to call the platform API.
// Its lifecycle is owned by the account store, not by targets.
type Credential struct {
	Token  string
	Cookie string
}

// Account is a stored platform login. Targets reference accounts by ID.
type Account struct {
	ID        string
	Name      string
	Token     string
	Cookie    string
	CreatedAt time.Time
}

// AccountMatch is one candidate returned by the identifier search.
type AccountMatch struct {
	ExternalID string
	Name       string
	AvatarURL  string
}

// Listing is one article entry from a fetched listing page.
type Listing struct {
	Title       string
	URL         string
	PublishedAt time.Time
}
