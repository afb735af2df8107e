package scrape

import (
	"errors"

	"github.com/marketsync/marketsync/internal/browser"
)

// Classify reduces a scrape failure to the string stored in last_error.
// Session-level faults keep their canonical names so the recovery watcher
// can match on them; anything else keeps its own message.
func Classify(err error) string {
	switch {
	case errors.Is(err, browser.ErrProxyExpired):
		return browser.ErrProxyExpired.Error()
	case errors.Is(err, browser.ErrCookiesExpired):
		return browser.ErrCookiesExpired.Error()
	case errors.Is(err, browser.ErrSelectorTimeout):
		return browser.ErrSelectorTimeout.Error()
	default:
		return err.Error()
	}
}

// NormalizeTerminalReason maps a last_error value to one of the two
// reasons a terminally failed account may carry.
func NormalizeTerminalReason(lastError string) string {
	if lastError == browser.ErrProxyExpired.Error() {
		return browser.ErrProxyExpired.Error()
	}
	return browser.ErrCookiesExpired.Error()
}
