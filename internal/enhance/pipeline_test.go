package enhance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/echo/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summarizerFunc func(ctx context.Context, content, query string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, content, query string) (string, error) {
	return f(ctx, content, query)
}

type classifierFunc func(ctx context.Context, content string) (social.Sentiment, error)

func (f classifierFunc) ClassifySentiment(ctx context.Context, content string) (social.Sentiment, error) {
	return f(ctx, content)
}

type relevancerFunc func(ctx context.Context, content, query string) (float64, error)

func (f relevancerFunc) ScoreRelevance(ctx context.Context, content, query string) (float64, error) {
	return f(ctx, content, query)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mk(src social.Source, id, content string, engagement float64, age time.Duration) *social.Post {
	return &social.Post{
		ID:              id,
		Source:          src,
		Content:         content,
		Author:          "a",
		CreatedAt:       base.Add(-age),
		EngagementScore: engagement,
	}
}

// scoreByMarker reads relevance from a "rel=0.N" marker in the content.
func scoreByMarker() relevancerFunc {
	return func(_ context.Context, content, _ string) (float64, error) {
		var v float64
		if i := strings.Index(content, "rel="); i >= 0 {
			_, _ = fmt.Sscanf(content[i:], "rel=%g", &v)
		}
		return v, nil
	}
}

func keys(posts []*social.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Key()
	}
	return out
}

func clone(posts []*social.Post) []*social.Post {
	out := make([]*social.Post, len(posts))
	for i, p := range posts {
		out[i] = p.Clone()
	}
	return out
}

func TestScenarioTopicX(t *testing.T) {
	posts := []*social.Post{
		mk(social.SourceReddit, "r1", "Topic X is genuinely useful for small teams rel=0.9", 120, time.Hour),
		mk(social.SourceReddit, "r2", "I tried Topic X last week and it broke my build rel=0.6", 40, 2*time.Hour),
		mk(social.SourceReddit, "r3", "Topic X is   genuinely useful for small teams REL=0.9", 12, 3*time.Hour),
		mk(social.SourceTwitter, "t1", "Hot take: Topic X is overrated and slow rel=0.6", 300, time.Hour),
		mk(social.SourceTwitter, "t2", "Loving the new Topic X release notes rel=0.3", 10, time.Hour),
	}
	p := New(
		summarizerFunc(func(_ context.Context, c, _ string) (string, error) { return "summary: " + c[:10], nil }),
		classifierFunc(func(context.Context, string) (social.Sentiment, error) { return social.SentimentPositive, nil }),
		scoreByMarker(),
		Config{},
	)

	out, st, err := p.EnhanceWithStats(context.Background(), posts, "What do people think about Topic X?", nil)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, []string{"reddit:r1", "twitter:t1", "reddit:r2", "twitter:t2"}, keys(out))
	assert.Equal(t, 1, st.Duplicates)

	for _, post := range out {
		e, ok := post.Enhancement()
		require.True(t, ok)
		assert.NotEmpty(t, e.Summary)
		assert.Equal(t, social.SentimentPositive, e.Sentiment)
		assert.Greater(t, e.RelevanceScore, 0.0)
	}
}

func TestDedupIsOrderIndependent(t *testing.T) {
	var posts []*social.Post
	for i := range 30 {
		// i and i+15 share content but come from different sources.
		content := fmt.Sprintf("Shared opinion number %d about the topic rel=0.%d", i%15, i%15%5)
		src := social.SourceReddit
		if i%2 == 0 {
			src = social.SourceTwitter
		}
		posts = append(posts, mk(src, fmt.Sprint(i), content, float64(i%7), time.Duration(i%4)*time.Hour))
	}
	posts = append(posts, posts[3].Clone(), posts[8].Clone())

	p := New(nil, nil, scoreByMarker(), Config{MaxResults: 100})
	want, err := p.Enhance(context.Background(), clone(posts), "q", nil)
	require.NoError(t, err)
	require.NotEmpty(t, want)

	for range 20 {
		shuffled := clone(posts)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := p.Enhance(context.Background(), shuffled, "q", nil)
		require.NoError(t, err)
		assert.Equal(t, keys(want), keys(got))
	}
}

func TestRankingTieBreaks(t *testing.T) {
	older := mk(social.SourceReddit, "old", "a", 10, 5*time.Hour)
	newer := mk(social.SourceReddit, "new", "b", 10, time.Hour)
	popular := mk(social.SourceReddit, "pop", "c", 50, 9*time.Hour)
	relevant := mk(social.SourceReddit, "rel", "d", 1, 9*time.Hour)
	for _, p := range []*social.Post{older, newer, popular} {
		require.NoError(t, p.Enhance(social.Enhancement{RelevanceScore: 0.5}))
	}
	require.NoError(t, relevant.Enhance(social.Enhancement{RelevanceScore: 0.8}))

	posts := []*social.Post{older, newer, popular, relevant}
	Rank(posts)
	assert.Equal(t, []string{"reddit:rel", "reddit:pop", "reddit:new", "reddit:old"}, keys(posts))
}

func TestRankingSingleCrossSourcePair(t *testing.T) {
	tw := mk(social.SourceTwitter, "t", "a", 5, time.Hour)
	rd := mk(social.SourceReddit, "r", "b", 10, 2*time.Hour)
	require.NoError(t, tw.Enhance(social.Enhancement{RelevanceScore: 0.5}))
	require.NoError(t, rd.Enhance(social.Enhancement{RelevanceScore: 0.5}))

	posts := []*social.Post{tw, rd}
	Rank(posts)
	assert.Equal(t, []string{"reddit:r", "twitter:t"}, keys(posts))
}

func TestCapAppliesAfterRanking(t *testing.T) {
	var posts []*social.Post
	for i := range 50 {
		posts = append(posts, mk(social.SourceReddit, fmt.Sprint(i),
			fmt.Sprintf("Candidate post number %d with enough words rel=%g", i, float64(i)/100), float64(i), time.Hour))
	}
	out, err := New(nil, nil, scoreByMarker(), Config{MaxResults: 10}).Enhance(context.Background(), posts, "q", nil)
	require.NoError(t, err)
	require.Len(t, out, 10)
	for i, p := range out {
		assert.Equal(t, fmt.Sprintf("reddit:%d", 49-i), p.Key())
	}
}

func TestQualityFilter(t *testing.T) {
	removed := mk(social.SourceReddit, "removed", "This thread was removed by moderators today", 1, 0)
	removed.Removed = true
	posts := []*social.Post{
		mk(social.SourceReddit, "ok", "A perfectly reasonable opinion about databases", 1, 0),
		mk(social.SourceReddit, "short", "lol same", 1, 0),
		mk(social.SourceReddit, "links", "https://example.com/a https://example.com/b #tag @user", 1, 0),
		mk(social.SourceReddit, "placeholder", "[deleted]", 1, 0),
		mk(social.SourceReddit, "blank", "   ", 1, 0),
		removed,
	}
	out, st, err := New(nil, nil, nil, Config{}).EnhanceWithStats(context.Background(), posts, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"reddit:ok"}, keys(out))
	assert.Equal(t, 5, st.Validated)
	assert.Equal(t, 4, st.LowQuality)
}

func TestFailuresDegradeWithoutDropping(t *testing.T) {
	boom := errors.New("model down")
	p := New(
		summarizerFunc(func(context.Context, string, string) (string, error) { return "", boom }),
		classifierFunc(func(context.Context, string) (social.Sentiment, error) { return "confused", nil }),
		relevancerFunc(func(context.Context, string, string) (float64, error) { return 0, boom }),
		Config{},
	)
	post := mk(social.SourceTwitter, "1", "The launch event was surprisingly well organised", 3, 0)

	out, st, err := p.EnhanceWithStats(context.Background(), []*social.Post{post}, "q", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	e, ok := out[0].Enhancement()
	require.True(t, ok)
	assert.Equal(t, post.Content, e.Summary)
	assert.Equal(t, social.SentimentNeutral, e.Sentiment)
	assert.Zero(t, e.RelevanceScore)
	assert.Equal(t, 1, st.Degraded)
}

func TestCallTimeout(t *testing.T) {
	p := New(
		summarizerFunc(func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		nil, nil, Config{CallTimeout: 20 * time.Millisecond},
	)
	start := time.Now()
	out, err := p.Enhance(context.Background(), []*social.Post{mk(social.SourceReddit, "1", "Slow models should not hold up the batch", 1, 0)}, "q", nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSentimentFilterAfterTagging(t *testing.T) {
	var calls atomic.Int32
	p := New(nil, classifierFunc(func(_ context.Context, c string) (social.Sentiment, error) {
		calls.Add(1)
		if strings.Contains(c, "love") {
			return social.SentimentPositive, nil
		}
		return social.SentimentNegative, nil
	}), nil, Config{})

	posts := []*social.Post{
		mk(social.SourceReddit, "1", "I love how fast the new compiler is", 1, 0),
		mk(social.SourceReddit, "2", "The new compiler is painfully slow for me", 1, 0),
	}
	want := social.SentimentNegative
	out, st, err := p.EnhanceWithStats(context.Background(), posts, "q", &want)
	require.NoError(t, err)
	assert.Equal(t, []string{"reddit:2"}, keys(out))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, st.Filtered)
}

func TestBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	p := New(summarizerFunc(func(context.Context, string, string) (string, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "s", nil
	}), nil, nil, Config{Concurrency: 2, MaxResults: 50})

	var posts []*social.Post
	for i := range 12 {
		posts = append(posts, mk(social.SourceReddit, fmt.Sprint(i), fmt.Sprintf("Distinct post body number %d here", i), 1, 0))
	}
	out, err := p.Enhance(context.Background(), posts, "q", nil)
	require.NoError(t, err)
	assert.Len(t, out, 12)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEnhanceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(nil, nil, nil, Config{}).Enhance(ctx, []*social.Post{mk(social.SourceReddit, "1", "Enough words are present in this post", 1, 0)}, "q", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "raw", StageRaw.String())
	assert.Equal(t, "ranked", StageRanked.String())
	assert.Equal(t, "unknown", Stage(42).String())
}
