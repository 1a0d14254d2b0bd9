// Package reddit searches Reddit through its public search API, Pushshift and
// the old.reddit.com HTML search page, in that order.
package reddit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/scraper"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
	"github.com/FranksOps/echo/internal/textutil"
	"github.com/FranksOps/echo/pkg/httpclient"
)

// Default endpoints.
const (
	DefaultSearchURL    = "https://www.reddit.com"
	DefaultPushshiftURL = "https://api.pushshift.io"
	DefaultScrapeURL    = "https://old.reddit.com"
	permalinkBase       = "https://reddit.com"
)

// Strategy names.
const (
	StrategySearchAPI = "search-api"
	StrategyPushshift = "pushshift"
	StrategyScrape    = "old-reddit-scrape"
)

// Config wires the Reddit adapter. A nil Client disables the two API
// strategies; a nil Fetcher disables scraping.
type Config struct {
	SearchURL    string
	PushshiftURL string
	ScrapeURL    string

	Client  *httpclient.Client
	Fetcher *scraper.Fetcher
	Adapter source.Config
}

// New returns the Reddit content source.
func New(cfg Config) *source.Adapter {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.PushshiftURL == "" {
		cfg.PushshiftURL = DefaultPushshiftURL
	}
	if cfg.ScrapeURL == "" {
		cfg.ScrapeURL = DefaultScrapeURL
	}
	now := cfg.Adapter.Now
	if now == nil {
		now = time.Now
	}
	return source.NewAdapter(social.SourceReddit, cfg.Adapter,
		&searchAPI{client: cfg.Client, baseURL: strings.TrimRight(cfg.SearchURL, "/"), now: now},
		&pushshift{client: cfg.Client, baseURL: strings.TrimRight(cfg.PushshiftURL, "/"), now: now},
		&oldReddit{fetcher: cfg.Fetcher, baseURL: strings.TrimRight(cfg.ScrapeURL, "/"), now: now},
	)
}

// item is the submission shape shared by the listing API and Pushshift.
type item struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Selftext          string  `json:"selftext"`
	Author            string  `json:"author"`
	CreatedUTC        float64 `json:"created_utc"`
	Score             float64 `json:"score"`
	NumComments       float64 `json:"num_comments"`
	Subreddit         string  `json:"subreddit"`
	Permalink         string  `json:"permalink"`
	URL               string  `json:"url"`
	RemovedByCategory *string `json:"removed_by_category"`
}

func (it item) post(now time.Time) *social.Post {
	createdAt, approx := source.UnixTime(it.CreatedUTC, now)
	removed := it.RemovedByCategory != nil || textutil.IsPlaceholder(it.Selftext)
	body := it.Selftext
	if textutil.IsPlaceholder(body) {
		body = ""
	}
	link := it.URL
	if it.Permalink != "" {
		link = permalinkBase + it.Permalink
	}
	return &social.Post{
		ID:              it.ID,
		Source:          social.SourceReddit,
		Content:         composeContent(it.Title, body),
		Author:          author(it.Author),
		CreatedAt:       createdAt,
		URL:             link,
		EngagementScore: Engagement(it.Score, it.NumComments),
		ApproximateTime: approx,
		Removed:         removed,
		Metadata: map[string]any{
			"subreddit":    it.Subreddit,
			"score":        it.Score,
			"num_comments": it.NumComments,
			"title":        it.Title,
		},
	}
}

// Engagement weighs comments at half an upvote.
func Engagement(score, comments float64) float64 {
	return score + comments*0.5
}

func composeContent(title, body string) string {
	return strings.TrimSpace(strings.TrimSpace(title) + "\n\n" + strings.TrimSpace(body))
}

func author(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "u/")
	if name == "" || name == "[deleted]" {
		return social.UnknownAuthor
	}
	return "u/" + name
}

// searchWindow maps a range onto Reddit's t= parameter.
func searchWindow(r social.TimeRange) string {
	switch r {
	case social.TimeRangeDay, social.TimeRangeWeek, social.TimeRangeMonth, social.TimeRangeYear:
		return string(r)
	}
	return string(social.DefaultTimeRange)
}

func queryText(q source.Query) string {
	return strings.Join(q.Keywords, " ")
}

type searchAPI struct {
	client  *httpclient.Client
	baseURL string
	now     func() time.Time
}

func (s *searchAPI) Name() string { return StrategySearchAPI }

type listing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data item   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (s *searchAPI) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if s.client == nil {
		return nil, source.ErrNotConfigured
	}
	params := url.Values{}
	params.Set("q", queryText(q))
	params.Set("sort", "relevance")
	params.Set("t", searchWindow(q.TimeRange))
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("raw_json", "1")

	endpoint := s.baseURL + "/search.json"
	if q.Subreddit != "" {
		endpoint = s.baseURL + "/r/" + url.PathEscape(q.Subreddit) + "/search.json"
		params.Set("restrict_sr", "1")
	}

	var resp listing
	if err := s.client.GetJSON(ctx, endpoint+"?"+params.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("reddit: search: %w", err)
	}

	now := s.now()
	posts := make([]*social.Post, 0, len(resp.Data.Children))
	for _, c := range resp.Data.Children {
		if c.Kind != "" && c.Kind != "t3" {
			continue
		}
		posts = append(posts, c.Data.post(now))
	}
	return posts, nil
}

type pushshift struct {
	client  *httpclient.Client
	baseURL string
	now     func() time.Time
}

func (p *pushshift) Name() string { return StrategyPushshift }

func (p *pushshift) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if p.client == nil {
		return nil, source.ErrNotConfigured
	}
	now := p.now()
	params := url.Values{}
	params.Set("q", queryText(q))
	params.Set("size", strconv.Itoa(q.Limit))
	params.Set("sort", "score")
	params.Set("sort_type", "desc")
	params.Set("after", strconv.FormatInt(q.TimeRange.Since(now).Unix(), 10))
	if q.MinEngagement > 0 {
		params.Set("score", ">"+strconv.Itoa(int(q.MinEngagement)))
	}
	if q.Subreddit != "" {
		params.Set("subreddit", q.Subreddit)
	}

	var resp struct {
		Data []item `json:"data"`
	}
	if err := p.client.GetJSON(ctx, p.baseURL+"/reddit/search/submission?"+params.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("reddit: pushshift: %w", err)
	}

	posts := make([]*social.Post, 0, len(resp.Data))
	for _, it := range resp.Data {
		posts = append(posts, it.post(now))
	}
	return posts, nil
}
