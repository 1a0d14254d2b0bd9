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
	"github.com/PuerkitoBio/goquery"
)

type oldReddit struct {
	fetcher *scraper.Fetcher
	baseURL string
	now     func() time.Time
}

func (o *oldReddit) Name() string { return StrategyScrape }

func (o *oldReddit) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if o.fetcher == nil {
		return nil, source.ErrNotConfigured
	}
	params := url.Values{}
	params.Set("q", queryText(q))
	params.Set("sort", "relevance")
	params.Set("t", searchWindow(q.TimeRange))
	endpoint := o.baseURL + "/search"
	if q.Subreddit != "" {
		endpoint = o.baseURL + "/r/" + url.PathEscape(q.Subreddit) + "/search"
		params.Set("restrict_sr", "on")
	}

	doc, err := o.fetcher.Document(ctx, endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("reddit: scrape: %w", err)
	}
	return parseSearchPage(doc, o.now(), q.Limit), nil
}

// parseSearchPage reads old.reddit.com search results.
func parseSearchPage(doc *goquery.Document, now time.Time, limit int) []*social.Post {
	var posts []*social.Post
	doc.Find("div.search-result-link").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		id := strings.TrimPrefix(s.AttrOr("data-fullname", ""), "t3_")
		title := strings.TrimSpace(s.Find("a.search-title").First().Text())
		if id == "" || title == "" {
			return true
		}

		createdAt, approx := source.ParseTime(s.Find("time").First().AttrOr("datetime", ""), now)
		score := leadingNumber(s.Find(".search-score").First().Text())
		comments := leadingNumber(s.Find("a.search-comments").First().Text())
		body := strings.TrimSpace(s.Find(".search-result-body").First().Text())

		link := s.Find("a.search-comments").First().AttrOr("href", "")
		if link == "" {
			link = s.Find("a.search-title").First().AttrOr("href", "")
		}
		if strings.HasPrefix(link, "/") {
			link = permalinkBase + link
		}

		posts = append(posts, &social.Post{
			ID:              id,
			Source:          social.SourceReddit,
			Content:         composeContent(title, body),
			Author:          author(s.Find("a.author").First().Text()),
			CreatedAt:       createdAt,
			URL:             link,
			EngagementScore: Engagement(score, comments),
			ApproximateTime: approx,
			Metadata: map[string]any{
				"subreddit":    strings.TrimPrefix(strings.TrimSpace(s.Find("a.search-subreddit-link").First().Text()), "r/"),
				"score":        score,
				"num_comments": comments,
				"title":        title,
			},
		})
		return limit <= 0 || len(posts) < limit
	})
	return posts
}

// leadingNumber parses "1,234 points" or "56 comments". Missing numbers are 0.
func leadingNumber(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}
