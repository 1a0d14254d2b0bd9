// Package serp queries web search engines. The Twitter adapter uses it for
// its search-engine fallbacks.
package serp

import (
	"context"
	"time"
)

// Result is one organic search result.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	// Date is the engine's own rendering, e.g. "3 hours ago" or "Mar 4, 2024".
	Date     string `json:"date,omitempty"`
	Position int    `json:"position"`
}

// Request describes a search.
type Request struct {
	Query string
	Limit int
	// Within restricts results to the trailing window when the engine
	// supports it; zero means no restriction.
	Within time.Duration
}

// Provider abstracts a search engine. Implementations may use an API or
// scrape result pages.
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) ([]Result, error)
}

// window buckets a duration into the engine-neutral ranges d, w, m, y.
func window(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d <= 24*time.Hour:
		return "d"
	case d <= 7*24*time.Hour:
		return "w"
	case d <= 31*24*time.Hour:
		return "m"
	default:
		return "y"
	}
}
