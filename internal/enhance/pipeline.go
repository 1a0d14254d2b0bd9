// Package enhance validates, deduplicates, enriches and ranks the posts
// collected for a query.
package enhance

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/textutil"
)

// Summarizer produces a short summary of content relative to query.
type Summarizer interface {
	Summarize(ctx context.Context, content, query string) (string, error)
}

// SentimentClassifier labels the tone of content.
type SentimentClassifier interface {
	ClassifySentiment(ctx context.Context, content string) (social.Sentiment, error)
}

// Relevancer scores content against query in [0, 1].
type Relevancer interface {
	ScoreRelevance(ctx context.Context, content, query string) (float64, error)
}

// Stage is the furthest step a post reached.
type Stage int

const (
	StageRaw Stage = iota
	StageContentValidated
	StageSummarized
	StageSentimentTagged
	StageScored
	StageRanked
)

func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StageContentValidated:
		return "content_validated"
	case StageSummarized:
		return "summarized"
	case StageSentimentTagged:
		return "sentiment_tagged"
	case StageScored:
		return "scored"
	case StageRanked:
		return "ranked"
	}
	return "unknown"
}

// Stats counts what happened to a batch.
type Stats struct {
	Input      int `json:"input"`
	Validated  int `json:"validated"`
	Duplicates int `json:"duplicates"`
	LowQuality int `json:"low_quality"`
	// Degraded counts posts where at least one enhancement call failed.
	Degraded int `json:"degraded"`
	Filtered int `json:"filtered"`
	Output   int `json:"output"`
}

// Config tunes a Pipeline. Zero values take the documented defaults.
type Config struct {
	MinContentLength int           // runes; default 20
	MinWords         int           // meaningful words; default 3
	Concurrency      int           // posts enhanced at once; default 5
	MaxResults       int           // default 10
	CallTimeout      time.Duration // per capability call; default 10s
	Logger           *slog.Logger
}

// Pipeline runs the enhancement stages. Any capability may be nil, in which
// case its default value is used for every post.
type Pipeline struct {
	summarizer Summarizer
	classifier SentimentClassifier
	relevancer Relevancer
	cfg        Config
}

// New builds a Pipeline.
func New(s Summarizer, c SentimentClassifier, r Relevancer, cfg Config) *Pipeline {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 20
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{summarizer: s, classifier: c, relevancer: r, cfg: cfg}
}

// Enhance returns the ranked, enhanced and capped posts. The only error is
// ctx ending.
func (p *Pipeline) Enhance(ctx context.Context, posts []*social.Post, query string, sentiment *social.Sentiment) ([]*social.Post, error) {
	out, _, err := p.EnhanceWithStats(ctx, posts, query, sentiment)
	return out, err
}

// EnhanceWithStats is Enhance plus batch counters.
func (p *Pipeline) EnhanceWithStats(ctx context.Context, posts []*social.Post, query string, sentiment *social.Sentiment) ([]*social.Post, Stats, error) {
	st := Stats{Input: len(posts)}

	valid := make([]*social.Post, 0, len(posts))
	for _, post := range posts {
		if post != nil && strings.TrimSpace(post.Content) != "" {
			valid = append(valid, post)
		}
	}
	st.Validated = len(valid)

	unique := dedupe(valid)
	st.Duplicates = len(valid) - len(unique)

	candidates := make([]*social.Post, 0, len(unique))
	for _, post := range unique {
		if p.lowQuality(post) {
			continue
		}
		candidates = append(candidates, post)
	}
	st.LowQuality = len(unique) - len(candidates)

	degraded, err := p.enrich(ctx, candidates, query)
	if err != nil {
		return nil, st, err
	}
	st.Degraded = degraded

	if sentiment != nil {
		kept := candidates[:0]
		for _, post := range candidates {
			if e, _ := post.Enhancement(); e.Sentiment == *sentiment {
				kept = append(kept, post)
			}
		}
		st.Filtered = len(candidates) - len(kept)
		candidates = kept
	}

	Rank(candidates)
	if len(candidates) > p.cfg.MaxResults {
		candidates = candidates[:p.cfg.MaxResults]
	}
	st.Output = len(candidates)

	p.cfg.Logger.Debug("enhancement finished",
		"input", st.Input, "duplicates", st.Duplicates, "low_quality", st.LowQuality,
		"degraded", st.Degraded, "filtered", st.Filtered, "count", st.Output)
	return candidates, st, nil
}

func (p *Pipeline) lowQuality(post *social.Post) bool {
	content := strings.TrimSpace(post.Content)
	switch {
	case post.Removed, textutil.IsPlaceholder(content):
		return true
	case utf8.RuneCountInString(content) < p.cfg.MinContentLength:
		return true
	case textutil.MeaningfulWords(content) < p.cfg.MinWords:
		return true
	}
	return false
}

// enrich runs the three capability calls for every post with bounded
// concurrency and returns how many posts degraded.
func (p *Pipeline) enrich(ctx context.Context, posts []*social.Post, query string) (int, error) {
	degraded := make([]bool, len(posts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, post := range posts {
		if _, done := post.Enhancement(); done {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, ok := p.enhanceOne(gctx, post, query)
			degraded[i] = !ok
			// Only a concurrent Enhance of the same instance can fail here.
			_ = post.Enhance(e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, d := range degraded {
		if d {
			n++
		}
	}
	return n, nil
}

func (p *Pipeline) enhanceOne(ctx context.Context, post *social.Post, query string) (social.Enhancement, bool) {
	e := social.Enhancement{Summary: post.Content, Sentiment: social.SentimentNeutral}
	ok := true
	log := p.cfg.Logger.With("post", post.Key())

	if p.summarizer != nil {
		summary, err := callWithTimeout(ctx, p.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return p.summarizer.Summarize(ctx, post.Content, query)
		})
		if err == nil && strings.TrimSpace(summary) != "" {
			e.Summary = strings.TrimSpace(summary)
		} else {
			ok = false
			metrics.EnhancementDegradedTotal.WithLabelValues("summary").Inc()
			log.Debug("summary degraded", "err", err)
		}
	}

	if p.classifier != nil {
		s, err := callWithTimeout(ctx, p.cfg.CallTimeout, func(ctx context.Context) (social.Sentiment, error) {
			return p.classifier.ClassifySentiment(ctx, post.Content)
		})
		if parsed, valid := social.ParseSentiment(string(s)); err == nil && valid {
			e.Sentiment = parsed
		} else {
			ok = false
			metrics.EnhancementDegradedTotal.WithLabelValues("sentiment").Inc()
			log.Debug("sentiment degraded", "err", err)
		}
	}

	if p.relevancer != nil {
		score, err := callWithTimeout(ctx, p.cfg.CallTimeout, func(ctx context.Context) (float64, error) {
			return p.relevancer.ScoreRelevance(ctx, post.Content, query)
		})
		if err == nil {
			e.RelevanceScore = score
		} else {
			ok = false
			metrics.EnhancementDegradedTotal.WithLabelValues("relevance").Inc()
			log.Debug("relevance degraded", "err", err)
		}
	}
	return e, ok
}

// callWithTimeout bounds fn by d and turns a panic into an error.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (v T, err error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enhance: capability panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// dedupe removes exact (source, id) duplicates and then posts with the same
// normalised content. The survivor of each group is the preferred post, so
// the result does not depend on input order.
func dedupe(posts []*social.Post) []*social.Post {
	byKey := make(map[string]*social.Post, len(posts))
	var keys []string
	for _, p := range posts {
		k := p.Key()
		cur, ok := byKey[k]
		if !ok {
			keys = append(keys, k)
			byKey[k] = p
			continue
		}
		if preferred(p, cur, nil) {
			byKey[k] = p
		}
	}

	unique := make([]*social.Post, 0, len(keys))
	for _, k := range keys {
		unique = append(unique, byKey[k])
	}
	norm := normalizer(unique)

	byContent := make(map[string]*social.Post, len(unique))
	var contents []string
	for _, p := range unique {
		c := textutil.Normalize(p.Content)
		cur, ok := byContent[c]
		if !ok {
			contents = append(contents, c)
			byContent[c] = p
			continue
		}
		if preferred(p, cur, norm) {
			byContent[c] = p
		}
	}

	out := make([]*social.Post, 0, len(contents))
	for _, c := range contents {
		out = append(out, byContent[c])
	}
	return out
}

// preferred reports whether a should be kept over b: higher engagement,
// then newer, then the smaller key.
func preferred(a, b *social.Post, norm func(*social.Post) float64) bool {
	if norm != nil {
		if c := cmp.Compare(norm(a), norm(b)); c != 0 {
			return c > 0
		}
	}
	if c := cmp.Compare(a.EngagementScore, b.EngagementScore); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Key() != b.Key() {
		return a.Key() < b.Key()
	}
	return a.Content < b.Content
}

// normalizer scales engagement into [0, 1] per source within the batch, so
// platforms with different scales can share a tie-break.
func normalizer(posts []*social.Post) func(*social.Post) float64 {
	peak := make(map[social.Source]float64)
	for _, p := range posts {
		if p.EngagementScore > peak[p.Source] {
			peak[p.Source] = p.EngagementScore
		}
	}
	return func(p *social.Post) float64 {
		m := peak[p.Source]
		if m <= 0 || p.EngagementScore <= 0 {
			return 0
		}
		return p.EngagementScore / m
	}
}

// Rank orders posts in place: relevance descending, then batch-normalised
// engagement, raw engagement and recency, then key for a total order.
func Rank(posts []*social.Post) {
	norm := normalizer(posts)
	relevance := func(p *social.Post) float64 {
		e, _ := p.Enhancement()
		return e.RelevanceScore
	}
	slices.SortStableFunc(posts, func(a, b *social.Post) int {
		if c := cmp.Compare(relevance(b), relevance(a)); c != 0 {
			return c
		}
		if c := cmp.Compare(norm(b), norm(a)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.EngagementScore, a.EngagementScore); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key(), b.Key())
	})
}
