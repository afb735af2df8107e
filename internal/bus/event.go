package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindScrapeProgress  = "scrape.progress"
	KindScrapeCompleted = "scrape.completed"
	KindScrapeFailed    = "scrape.failed"
	KindJobStarted      = "job.started"
	KindJobCompleted    = "job.completed"
	KindJobFailed       = "job.failed"
	KindAccountStatus   = "account.status_changed"
)

// Progress reports incremental batch status while a multi-chat sync runs.
type Progress struct {
	AccountID int64
	Current   int
	Total     int
	Partner   string
}

// StatusChange is the payload for account status change events.
type StatusChange struct {
	AccountID int64
	From      string
	To        string
}
