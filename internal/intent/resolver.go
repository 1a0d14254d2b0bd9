// Package intent turns a free-text query into a structured search intent.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/textutil"
)

// Extraction is the raw structured reading of a query as proposed by a
// language model. Every field is advisory; the Resolver normalises it.
type Extraction struct {
	Keywords        []string `json:"keywords"`
	SearchReddit    *bool    `json:"search_reddit"`
	SearchTwitter   *bool    `json:"search_twitter"`
	Subreddit       string   `json:"subreddit"`
	TimeRange       string   `json:"time_range"`
	SentimentFilter string   `json:"sentiment_filter"`
	MinEngagement   float64  `json:"min_engagement"`
	Intent          string   `json:"intent"`
}

// Extractor performs the structured-extraction call.
type Extractor interface {
	ExtractIntent(ctx context.Context, query string) (Extraction, error)
}

// Config tunes a Resolver.
type Config struct {
	// Timeout bounds the extraction call. Default 8s.
	Timeout time.Duration
	// DefaultTimeRange applies when none is implied. Default month.
	DefaultTimeRange social.TimeRange
	Logger           *slog.Logger
}

// Resolver resolves queries, falling back to a deterministic heuristic when
// the extractor is missing or fails.
type Resolver struct {
	extractor Extractor
	timeout   time.Duration
	defRange  social.TimeRange
	logger    *slog.Logger
}

// NewResolver builds a Resolver. A nil extractor always uses the heuristic.
func NewResolver(extractor Extractor, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.DefaultTimeRange == "" {
		cfg.DefaultTimeRange = social.DefaultTimeRange
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		extractor: extractor,
		timeout:   cfg.Timeout,
		defRange:  cfg.DefaultTimeRange,
		logger:    cfg.Logger,
	}
}

// Resolve never fails: the result always has at least one keyword and one
// platform. Caller filters are applied last.
func (r *Resolver) Resolve(ctx context.Context, query string, filters social.Filters) social.QueryIntent {
	query = strings.TrimSpace(query)

	var q social.QueryIntent
	if ex, err := r.extract(ctx, query); err != nil {
		r.logger.Warn("intent extraction failed, using heuristic", "err", err)
		metrics.IntentResolutionsTotal.WithLabelValues("heuristic").Inc()
		q = Heuristic(query, r.defRange)
	} else {
		metrics.IntentResolutionsTotal.WithLabelValues("model").Inc()
		q = r.normalize(query, ex)
	}

	q = filters.Apply(q)
	if len(q.Platforms) == 0 {
		q.Platforms = social.AllSources()
	}
	return q
}

func (r *Resolver) extract(ctx context.Context, query string) (ex Extraction, err error) {
	if r.extractor == nil {
		return Extraction{}, errNoExtractor
	}
	defer func() {
		if rec := recover(); rec != nil {
			ex, err = Extraction{}, fmt.Errorf("intent: extractor panicked: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.extractor.ExtractIntent(ctx, query)
}

var errNoExtractor = errors.New("intent: no extractor configured")

func (r *Resolver) normalize(query string, ex Extraction) social.QueryIntent {
	q := social.QueryIntent{
		Query:     query,
		Keywords:  textutil.FilterKeywords(ex.Keywords),
		TimeRange: r.defRange,
		Subreddit: cleanSubreddit(ex.Subreddit),
	}
	if len(q.Keywords) == 0 {
		q.Keywords = fallbackKeywords(query)
	}

	wantReddit := ex.SearchReddit == nil || *ex.SearchReddit
	wantTwitter := ex.SearchTwitter == nil || *ex.SearchTwitter
	if wantReddit {
		q.Platforms = append(q.Platforms, social.SourceReddit)
	}
	if wantTwitter {
		q.Platforms = append(q.Platforms, social.SourceTwitter)
	}
	if len(q.Platforms) == 0 {
		q.Platforms = social.AllSources()
	}

	if tr, ok := social.ParseTimeRange(ex.TimeRange); ok {
		q.TimeRange = tr
	}
	if s, ok := social.ParseSentiment(ex.SentimentFilter); ok {
		q.SentimentFilter = &s
	}
	if ex.MinEngagement > 0 {
		q.MinEngagement = ex.MinEngagement
	}
	if q.Subreddit == "" {
		q.Subreddit = subredditMention(query)
	}
	return q
}

var subredditRe = regexp.MustCompile(`(?i)(?:^|[\s(])/?r/([a-z0-9][a-z0-9_]{1,20})\b`)

func subredditMention(query string) string {
	if m := subredditRe.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return ""
}

func cleanSubreddit(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "/"), "r/")
	s = strings.Trim(s, "/ ")
	switch strings.ToLower(s) {
	case "", "null", "none", "any":
		return ""
	}
	if strings.ContainsAny(s, " /") {
		return ""
	}
	return s
}

// Heuristic derives an intent without any external call.
func Heuristic(query string, defRange social.TimeRange) social.QueryIntent {
	query = strings.TrimSpace(query)
	if defRange == "" {
		defRange = social.DefaultTimeRange
	}
	q := social.QueryIntent{
		Query:     query,
		Keywords:  fallbackKeywords(query),
		Platforms: mentionedPlatforms(query),
		TimeRange: defRange,
		Subreddit: subredditMention(query),
		Degraded:  true,
	}
	return q
}

// fallbackKeywords never returns an empty list for a non-empty query.
func fallbackKeywords(query string) []string {
	if kws := textutil.Keywords(query); len(kws) > 0 {
		return kws
	}
	if query == "" {
		return nil
	}
	return []string{query}
}

// mentionedPlatforms narrows the search to one platform only when the query
// names exactly one of them.
func mentionedPlatforms(query string) []social.Source {
	tokens := textutil.Tokens(query)
	reddit := slices.ContainsFunc(tokens, func(t string) bool {
		return t == "reddit" || t == "subreddit" || t == "subreddits" || strings.HasPrefix(t, "r/")
	})
	twitter := slices.ContainsFunc(tokens, func(t string) bool {
		return t == "twitter" || t == "tweet" || t == "tweets"
	})
	switch {
	case reddit && !twitter:
		return []social.Source{social.SourceReddit}
	case twitter && !reddit:
		return []social.Source{social.SourceTwitter}
	}
	return social.AllSources()
}
