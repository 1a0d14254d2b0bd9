package social

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrNoPlatforms is reported by QueryIntent.Validate when nothing can be searched.
var ErrNoPlatforms = errors.New("social: intent has no platforms")

// ErrNoKeywords is reported by QueryIntent.Validate for an intent without keywords.
var ErrNoKeywords = errors.New("social: intent has no keywords")

// TimeRange bounds how far back a search looks.
type TimeRange string

const (
	TimeRangeDay   TimeRange = "day"
	TimeRangeWeek  TimeRange = "week"
	TimeRangeMonth TimeRange = "month"
	TimeRangeYear  TimeRange = "year"
)

// DefaultTimeRange is used whenever a range is missing or unrecognised.
const DefaultTimeRange = TimeRangeMonth

// ParseTimeRange recognises the four supported ranges plus a few aliases.
func ParseTimeRange(s string) (TimeRange, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "24h", "today":
		return TimeRangeDay, true
	case "week", "7d":
		return TimeRangeWeek, true
	case "month", "30d":
		return TimeRangeMonth, true
	case "year", "365d":
		return TimeRangeYear, true
	}
	return "", false
}

// Duration is the window length of the range.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case TimeRangeDay:
		return 24 * time.Hour
	case TimeRangeWeek:
		return 7 * 24 * time.Hour
	case TimeRangeYear:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Since returns the oldest instant inside the range ending at now.
func (r TimeRange) Since(now time.Time) time.Time {
	return now.Add(-r.Duration())
}

// QueryIntent is the structured interpretation of a raw query.
type QueryIntent struct {
	Query           string     `json:"query"`
	Keywords        []string   `json:"keywords"`
	Platforms       []Source   `json:"platforms"`
	TimeRange       TimeRange  `json:"time_range"`
	MinEngagement   float64    `json:"min_engagement"`
	SentimentFilter *Sentiment `json:"sentiment_filter,omitempty"`
	Subreddit       string     `json:"subreddit,omitempty"`
	// Degraded marks an intent produced by the heuristic fallback.
	Degraded bool `json:"degraded"`
}

// Validate checks the invariants every resolved intent must satisfy.
func (q QueryIntent) Validate() error {
	var errs []error
	if len(q.Platforms) == 0 {
		errs = append(errs, ErrNoPlatforms)
	}
	if len(q.Keywords) == 0 {
		errs = append(errs, ErrNoKeywords)
	}
	if q.MinEngagement < 0 {
		errs = append(errs, fmt.Errorf("social: negative min engagement %v", q.MinEngagement))
	}
	return errors.Join(errs...)
}

// SearchText joins the keywords into a provider query string.
func (q QueryIntent) SearchText() string {
	return strings.Join(q.Keywords, " ")
}

// Wants reports whether the intent targets the given platform.
func (q QueryIntent) Wants(s Source) bool {
	return slices.Contains(q.Platforms, s)
}

// Filters are optional caller hints that override resolved values.
type Filters struct {
	Platforms     []Source   `json:"platforms,omitempty"`
	TimeRange     TimeRange  `json:"time_range,omitempty"`
	MinEngagement *float64   `json:"min_engagement,omitempty"`
	Sentiment     *Sentiment `json:"sentiment,omitempty"`
}

// Apply overlays the filters onto an intent. Platforms are kept in
// AllSources order and de-duplicated.
func (f Filters) Apply(q QueryIntent) QueryIntent {
	if len(f.Platforms) > 0 {
		q.Platforms = OrderPlatforms(f.Platforms)
	}
	if f.TimeRange != "" {
		q.TimeRange = f.TimeRange
	}
	if f.MinEngagement != nil && *f.MinEngagement >= 0 {
		q.MinEngagement = *f.MinEngagement
	}
	if f.Sentiment != nil {
		s := *f.Sentiment
		q.SentimentFilter = &s
	}
	return q
}

// OrderPlatforms returns the known platforms from in, in AllSources order.
func OrderPlatforms(in []Source) []Source {
	out := make([]Source, 0, len(in))
	for _, s := range AllSources() {
		if slices.Contains(in, s) {
			out = append(out, s)
		}
	}
	return out
}
