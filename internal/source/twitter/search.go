package twitter

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/serp"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
	"github.com/FranksOps/echo/internal/textutil"
)

// searchEngine finds tweets through a web search engine restricted to
// twitter.com and x.com. Results carry no engagement data.
type searchEngine struct {
	name     string
	provider serp.Provider
	now      func() time.Time
}

func (s *searchEngine) Name() string { return s.name }

func (s *searchEngine) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if s.provider == nil {
		return nil, source.ErrNotConfigured
	}
	results, err := s.provider.Search(ctx, serp.Request{
		Query:  strings.Join(q.Keywords, " ") + " (site:twitter.com OR site:x.com)",
		Limit:  q.Limit,
		Within: q.TimeRange.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("twitter: %s: %w", s.name, err)
	}

	now := s.now()
	posts := make([]*social.Post, 0, len(results))
	for _, r := range results {
		user, id, ok := ParseStatusURL(r.URL)
		if !ok {
			continue
		}
		content := searchContent(r.Title, r.Snippet)
		if content == "" || IsRetweet(content) {
			continue
		}
		// Engines pad results with loosely related tweets.
		if textutil.Mentions(content, q.Keywords) == 0 {
			continue
		}
		createdAt, approx := source.ParseTime(r.Date, now)
		posts = append(posts, &social.Post{
			ID:              id,
			Source:          social.SourceTwitter,
			Content:         content,
			Author:          handle(user),
			CreatedAt:       createdAt,
			URL:             r.URL,
			EngagementScore: 1,
			ApproximateTime: approx,
			Metadata: map[string]any{
				"title":   r.Title,
				"snippet": r.Snippet,
			},
		})
	}
	return posts, nil
}

// Search engines title tweets as `Name on X: "text"` or `Name (@handle) on X`.
var titleNoise = regexp.MustCompile(`(?i)^.*?\bon (?:x|twitter)\s*(?::\s*|$)`)

func searchContent(title, snippet string) string {
	title = strings.TrimSpace(titleNoise.ReplaceAllString(strings.TrimSpace(title), ""))
	title = strings.Trim(title, `"“” `)
	snippet = strings.TrimSpace(snippet)
	switch {
	case title == "":
		return snippet
	case snippet == "", strings.Contains(snippet, title):
		return title
	}
	return title + "\n" + snippet
}

// ParseStatusURL extracts the author and tweet ID from a status link on
// twitter.com, x.com or a Nitter mirror.
func ParseStatusURL(raw string) (user, id string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[1] != "status" {
		return "", "", false
	}
	id = parts[2]
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return "", "", false
	}
	return parts[0], id, true
}
