// Package twitter searches Twitter/X through the v2 API, a search engine API,
// Nitter and a plain web search, in that order.
package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/scraper"
	"github.com/FranksOps/echo/internal/serp"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
	"github.com/FranksOps/echo/pkg/httpclient"
)

// DefaultAPIURL is the Twitter API host.
const DefaultAPIURL = "https://api.twitter.com"

// Strategy names.
const (
	StrategyAPI       = "api-v2"
	StrategySerper    = "serper"
	StrategyNitter    = "nitter-scrape"
	StrategyWebSearch = "web-scrape"
)

// Config wires the Twitter adapter. Strategies whose dependencies are
// missing (no bearer token, no Serper provider, no Nitter instance, no
// fetcher) are skipped.
type Config struct {
	APIURL      string
	BearerToken string
	NitterURL   string

	Client *httpclient.Client
	// Serper is the search API strategy, normally a *serp.Serper.
	Serper serp.Provider
	// Web is the credential-free search strategy, normally a *serp.DuckDuckGo.
	Web     serp.Provider
	Fetcher *scraper.Fetcher
	Adapter source.Config
}

// New returns the Twitter content source.
func New(cfg Config) *source.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	now := cfg.Adapter.Now
	if now == nil {
		now = time.Now
	}
	return source.NewAdapter(social.SourceTwitter, cfg.Adapter,
		&apiV2{client: cfg.Client, baseURL: strings.TrimRight(cfg.APIURL, "/"), token: cfg.BearerToken, now: now},
		&searchEngine{name: StrategySerper, provider: cfg.Serper, now: now},
		&nitter{fetcher: cfg.Fetcher, baseURL: strings.TrimRight(cfg.NitterURL, "/"), now: now},
		&searchEngine{name: StrategyWebSearch, provider: cfg.Web, now: now},
	)
}

// Engagement weighs a retweet as two likes and a reply as one and a half.
func Engagement(likes, retweets, replies float64) float64 {
	return likes + retweets*2 + replies*1.5
}

// IsRetweet reports bodies that merely repost another tweet.
func IsRetweet(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "RT @")
}

func handle(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return social.UnknownAuthor
	}
	return "@" + name
}

func statusURL(user, id string) string {
	if user == "" || user == social.UnknownAuthor {
		user = "i/web"
	}
	return "https://twitter.com/" + strings.TrimPrefix(user, "@") + "/status/" + id
}

type apiV2 struct {
	client  *httpclient.Client
	baseURL string
	token   string
	now     func() time.Time
}

func (a *apiV2) Name() string { return StrategyAPI }

type publicMetrics struct {
	RetweetCount   float64 `json:"retweet_count"`
	ReplyCount     float64 `json:"reply_count"`
	LikeCount      float64 `json:"like_count"`
	FollowersCount float64 `json:"followers_count"`
}

type searchResponse struct {
	Data []struct {
		ID            string        `json:"id"`
		Text          string        `json:"text"`
		AuthorID      string        `json:"author_id"`
		CreatedAt     string        `json:"created_at"`
		PublicMetrics publicMetrics `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID            string        `json:"id"`
			Username      string        `json:"username"`
			Verified      bool          `json:"verified"`
			PublicMetrics publicMetrics `json:"public_metrics"`
		} `json:"users"`
	} `json:"includes"`
}

func (a *apiV2) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	if a.client == nil || a.token == "" {
		return nil, source.ErrNotConfigured
	}
	now := a.now()
	params := url.Values{}
	params.Set("query", strings.Join(q.Keywords, " ")+" -is:retweet")
	params.Set("max_results", strconv.Itoa(min(max(q.Limit, 10), 100)))
	params.Set("tweet.fields", "created_at,public_metrics,author_id")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,public_metrics,verified")
	// Recent search only reaches back seven days.
	since := q.TimeRange.Since(now)
	if floor := now.Add(-7*24*time.Hour + time.Minute); since.Before(floor) {
		since = floor
	}
	params.Set("start_time", since.UTC().Format(time.RFC3339))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)

	var resp searchResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/2/tweets/search/recent?"+params.Encode(), header, &resp); err != nil {
		return nil, fmt.Errorf("twitter: api: %w", err)
	}

	type user struct {
		name      string
		verified  bool
		followers float64
	}
	users := make(map[string]user, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		users[u.ID] = user{name: u.Username, verified: u.Verified, followers: u.PublicMetrics.FollowersCount}
	}

	posts := make([]*social.Post, 0, len(resp.Data))
	for _, t := range resp.Data {
		if IsRetweet(t.Text) {
			continue
		}
		u := users[t.AuthorID]
		createdAt, approx := source.ParseTime(t.CreatedAt, now)
		m := t.PublicMetrics
		author := handle(u.name)
		posts = append(posts, &social.Post{
			ID:              t.ID,
			Source:          social.SourceTwitter,
			Content:         strings.TrimSpace(t.Text),
			Author:          author,
			CreatedAt:       createdAt,
			URL:             statusURL(author, t.ID),
			EngagementScore: Engagement(m.LikeCount, m.RetweetCount, m.ReplyCount),
			ApproximateTime: approx,
			Metadata: map[string]any{
				"likes":          m.LikeCount,
				"retweets":       m.RetweetCount,
				"replies":        m.ReplyCount,
				"user_followers": u.followers,
				"user_verified":  u.verified,
			},
		})
	}
	return posts, nil
}
