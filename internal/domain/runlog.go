package domain

import "time"

// RunStatus is the state of a run log entry.
type RunStatus string

const (
	RunStart    RunStatus = "start"
	RunProgress RunStatus = "progress"
	RunFinish   RunStatus = "finish"
	RunError    RunStatus = "error"
)

// Terminal reports whether the status marks a completed run. Non-terminal
// entries older than the staleness threshold get swept to RunError.
func (s RunStatus) Terminal() bool {
	return s == RunFinish || s == RunError
}

// RunLogEntry is one append-only record of a crawl execution step.
type RunLogEntry struct {
	ID         string
	TargetID   string
	TargetName string
	Status     RunStatus
	Message    string

	// structured detail, zero values omitted by the stores
	Step          string
	ArticlesCount int
	NewCount      int
	DurationMS    int64
	PageNum       int

	CreatedAt time.Time
}
