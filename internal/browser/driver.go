// Package browser defines the contract with the browser automation layer.
//
// The engine never touches the DOM itself: a Driver loads an account's stored
// session into an automated browser context and exposes the handful of reads
// and scrolls the scraper needs. Selector strategy, stealth settings and
// proxy plumbing all live behind this boundary.
package browser

import (
	"context"

	"github.com/marketsync/marketsync/internal/store"
)

// Thread is one visible conversation entry in the chat directory.
type Thread struct {
	URL         string `json:"url"`
	PartnerName string `json:"partner_name"`
	Unread      bool   `json:"unread"`
}

// Row is one rendered message row, oldest first. Timestamp is the raw text
// the page renders ("today at 14:30", "21 August at 17:48", ...); the
// synchronizer parses it.
type Row struct {
	FromSelf  bool   `json:"from_self"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Session is a live browser context holding one account's session.
// Implementations return ErrProxyExpired for proxy-level failures and
// ErrCookiesExpired when the site rejects the session.
type Session interface {
	// Goto navigates to a URL and waits for the page to settle.
	Goto(ctx context.Context, url string) error
	// IsLoginPrompt reports whether the current page is a login form.
	IsLoginPrompt(ctx context.Context) (bool, error)

	// Threads returns the currently visible directory entries.
	Threads(ctx context.Context) ([]Thread, error)
	// ScrollThreads scrolls the directory down one bounded increment.
	ScrollThreads(ctx context.Context) error

	// PartnerName reads the open conversation's partner display name.
	PartnerName(ctx context.Context) (string, error)
	// Rows returns the currently rendered message rows, oldest first.
	Rows(ctx context.Context) ([]Row, error)
	// LoadOlder scrolls conversation history up one bounded increment and
	// reports whether more rows appeared. False means the history boundary.
	LoadOlder(ctx context.Context) (bool, error)

	// ExportSession captures the session state for persistence.
	ExportSession(ctx context.Context) ([]byte, error)
	// Close tears down the browser context. Always safe to call.
	Close() error
}

// Driver launches browser sessions. One session per job; sessions are never
// shared across concurrent jobs.
type Driver interface {
	WithSession(ctx context.Context, acct *store.Account) (Session, error)
}
