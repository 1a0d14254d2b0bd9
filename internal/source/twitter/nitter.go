package twitter

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

// nitter scrapes the search timeline of a Nitter instance.
type nitter struct {
	fetcher *scraper.Fetcher
	baseURL string
	now     func() time.Time
}

func (n *nitter) Name() string { return StrategyNitter }

func (n *nitter) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if n.fetcher == nil || n.baseURL == "" {
		return nil, source.ErrNotConfigured
	}
	now := n.now()
	params := url.Values{}
	params.Set("f", "tweets")
	params.Set("q", strings.Join(q.Keywords, " "))
	params.Set("since", q.TimeRange.Since(now).Format("2006-01-02"))
	if q.MinEngagement > 0 {
		params.Set("min_faves", strconv.Itoa(int(q.MinEngagement)))
	}

	doc, err := n.fetcher.Document(ctx, n.baseURL+"/search?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("twitter: nitter: %w", err)
	}
	return parseTimeline(doc, now, q.Limit), nil
}

func parseTimeline(doc *goquery.Document, now time.Time, limit int) []*social.Post {
	var posts []*social.Post
	doc.Find(".timeline-item").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Find(".retweet-header").Length() > 0 {
			return true
		}
		user, id, ok := ParseStatusURL(strings.SplitN(s.Find("a.tweet-link").AttrOr("href", ""), "#", 2)[0])
		if !ok {
			return true
		}
		content := strings.TrimSpace(s.Find(".tweet-content").First().Text())
		if content == "" || IsRetweet(content) {
			return true
		}

		createdAt, approx := source.ParseTime(s.Find(".tweet-date a").AttrOr("title", ""), now)
		replies := stat(s, ".icon-comment")
		retweets := stat(s, ".icon-retweet")
		likes := stat(s, ".icon-heart")
		author := handle(user)

		posts = append(posts, &social.Post{
			ID:              id,
			Source:          social.SourceTwitter,
			Content:         content,
			Author:          author,
			CreatedAt:       createdAt,
			URL:             statusURL(author, id),
			EngagementScore: Engagement(likes, retweets, replies),
			ApproximateTime: approx,
			Metadata: map[string]any{
				"likes":    likes,
				"retweets": retweets,
				"replies":  replies,
			},
		})
		return limit <= 0 || len(posts) < limit
	})
	return posts
}

// stat reads the counter next to an icon in the tweet footer.
func stat(s *goquery.Selection, icon string) float64 {
	text := strings.TrimSpace(s.Find(".tweet-stat").FilterFunction(func(_ int, st *goquery.Selection) bool {
		return st.Find(icon).Length() > 0
	}).First().Text())
	return compactNumber(text)
}

// compactNumber parses "1,234", "12.5K" and "3M".
func compactNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult, s = 1e3, s[:len(s)-1]
	case 'M', 'm':
		mult, s = 1e6, s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * mult
}
