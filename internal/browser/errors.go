package browser

import "errors"

// Typed failures surfaced by the automation layer. The scraper records them
// on the account, and the recovery watcher normalizes terminal reasons to
// ErrProxyExpired or ErrCookiesExpired.
var (
	// ErrProxyExpired: the network path through the account's proxy is gone.
	ErrProxyExpired = errors.New("Proxy Expired")
	// ErrCookiesExpired: the stored session was rejected by the target site.
	ErrCookiesExpired = errors.New("Cookies Expired")
	// ErrSelectorTimeout: expected content never rendered within retries.
	ErrSelectorTimeout = errors.New("content failed to load within retries")
)
