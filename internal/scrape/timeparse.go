package scrape

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	clockRe = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	dateRe  = regexp.MustCompile(`(?i)(\d{1,2})\s+([a-z]+)(?:\s+at\s+(\d{1,2}):(\d{2}))?`)
)

var monthsByName = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// ParseTimestamp converts a rendered timestamp ("today at 14:30",
// "yesterday", "21 August at 17:48") to unix milliseconds. Unparseable text
// yields 0; message ordering never depends on it, only anchor
// disambiguation does.
func ParseTimestamp(raw string, now time.Time) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	lower := strings.ToLower(raw)

	day := func(base time.Time) int64 {
		h, m, ok := clockTime(lower)
		if !ok {
			h, m = 0, 0
		}
		return time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, base.Location()).UnixMilli()
	}

	if strings.Contains(lower, "today") {
		return day(now)
	}
	if strings.Contains(lower, "yesterday") {
		return day(now.AddDate(0, 0, -1))
	}

	m := dateRe.FindStringSubmatch(lower)
	if m == nil {
		return 0
	}
	dom, _ := strconv.Atoi(m[1])
	month, ok := monthsByName[m[2]]
	if !ok {
		return 0
	}
	hour, minute := 0, 0
	if m[3] != "" {
		hour, _ = strconv.Atoi(m[3])
		minute, _ = strconv.Atoi(m[4])
	}

	t := time.Date(now.Year(), month, dom, hour, minute, 0, 0, now.Location())
	// A rendered date never lies in the future; assume last year.
	if t.After(now) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.UnixMilli()
}

func clockTime(s string) (hour, minute int, ok bool) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
