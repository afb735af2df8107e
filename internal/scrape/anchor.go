package scrape

import (
	"strings"
	"time"

	"github.com/marketsync/marketsync/internal/browser"
	"github.com/marketsync/marketsync/internal/store"
)

// Anchor marks the last message already persisted for a conversation.
// Extraction resumes strictly after it.
type Anchor struct {
	Text      string
	Index     int
	Timestamp int64
}

func anchorFrom(msg *store.Message) *Anchor {
	if msg == nil {
		return nil
	}
	return &Anchor{Text: msg.Text, Index: msg.MessageIndex, Timestamp: msg.Timestamp}
}

// containsAnchor reports whether the anchor text is visible in the rows,
// meaning history has been scrolled back far enough.
func containsAnchor(rows []browser.Row, a *Anchor) bool {
	if a == nil {
		return false
	}
	for _, r := range rows {
		if strings.Contains(r.Text, a.Text) {
			return true
		}
	}
	return false
}

// FilterAfterAnchor returns the rows strictly after the anchor match.
// Multiple rows can render the same text, so the match closest to the
// bottom wins; when timestamps parse, matches newer than the anchor are
// rejected so a repeated greeting sent after the anchor cannot swallow
// history. Without a match every row is new.
func FilterAfterAnchor(rows []browser.Row, a *Anchor, now time.Time) []browser.Row {
	if a == nil {
		return rows
	}
	match := -1
	for i := len(rows) - 1; i >= 0; i-- {
		if !strings.Contains(rows[i].Text, a.Text) {
			continue
		}
		if a.Timestamp > 0 {
			if ts := ParseTimestamp(rows[i].Timestamp, now); ts > a.Timestamp {
				continue
			}
		}
		match = i
		break
	}
	if match < 0 {
		return rows
	}
	return rows[match+1:]
}
