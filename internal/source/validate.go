package source

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/social"
)

// Validate re-applies the query filters client-side. Posts without content,
// below the engagement floor or outside the time window are dropped; at most
// q.Limit posts are kept. Approximate timestamps always pass the window.
func Validate(posts []*social.Post, src social.Source, q Query, now time.Time) []*social.Post {
	since := q.TimeRange.Since(now)
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	out := make([]*social.Post, 0, min(len(posts), limit))
	for _, p := range posts {
		if p == nil || p.ID == "" || strings.TrimSpace(p.Content) == "" {
			continue
		}
		if p.Source == "" {
			p.Source = src
		}
		if p.Source != src {
			continue
		}
		if p.EngagementScore < q.MinEngagement {
			continue
		}
		if !p.ApproximateTime && p.CreatedAt.Before(since) {
			continue
		}
		if p.Author == "" {
			p.Author = social.UnknownAuthor
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Jan 2, 2006 · 3:04 PM MST",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006-01-02",
}

// maxClockSkew is how far past now a provider timestamp may lie before it is
// treated as malformed.
const maxClockSkew = 10 * time.Minute

// ParseTime parses the timestamp formats seen across providers. Anything
// unparseable or in the future yields now with approximate set.
func ParseTime(s string, now time.Time) (t time.Time, approximate bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.After(now.Add(maxClockSkew)) {
				return now, true
			}
			return t.UTC(), false
		}
	}
	if d, ok := relativeAge(s); ok {
		return now.Add(-d), false
	}
	return now, true
}

// UnixTime converts epoch seconds. Non-positive or future values yield now
// with approximate set.
func UnixTime(sec float64, now time.Time) (time.Time, bool) {
	if sec <= 0 || sec > float64(now.Add(maxClockSkew).Unix()) {
		return now, true
	}
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC(), false
}

// relativeAge understands "3 hours ago", "2d", "45m" style ages as rendered
// by search engines and Nitter.
func relativeAge(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), " ago"))
	fields := strings.Fields(s)
	var num, unit string
	switch len(fields) {
	case 1:
		i := strings.IndexFunc(fields[0], func(r rune) bool { return r < '0' || r > '9' })
		if i <= 0 {
			return 0, false
		}
		num, unit = fields[0][:i], fields[0][i:]
	case 2:
		num, unit = fields[0], fields[1]
	default:
		return 0, false
	}

	n, err := strconv.Atoi(num)
	if num == "a" || num == "an" {
		n, err = 1, nil
	}
	if err != nil || n < 0 {
		return 0, false
	}

	if len(unit) > 1 {
		unit = strings.TrimSuffix(unit, "s")
	}
	var d time.Duration
	switch unit {
	case "s", "sec", "second":
		d = time.Second
	case "m", "min", "minute":
		d = time.Minute
	case "h", "hr", "hour":
		d = time.Hour
	case "d", "day":
		d = 24 * time.Hour
	case "w", "week":
		d = 7 * 24 * time.Hour
	case "mo", "month":
		d = 30 * 24 * time.Hour
	case "y", "yr", "year":
		d = 365 * 24 * time.Hour
	default:
		return 0, false
	}
	if int64(n) > math.MaxInt64/int64(d) {
		return 0, false
	}
	return time.Duration(n) * d, true
}
