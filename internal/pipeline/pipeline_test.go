package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/echo/internal/aggregate"
	"github.com/FranksOps/echo/internal/cache"
	"github.com/FranksOps/echo/internal/enhance"
	"github.com/FranksOps/echo/internal/intent"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
	"github.com/FranksOps/echo/internal/stream"
)

type strategyFunc func(ctx context.Context, q source.Query) ([]*social.Post, error)

func (f strategyFunc) Name() string { return "fake" }
func (f strategyFunc) Fetch(ctx context.Context, q source.Query) ([]*social.Post, error) {
	return f(ctx, q)
}

func posts(src social.Source, n int) strategyFunc {
	return func(context.Context, source.Query) ([]*social.Post, error) {
		var out []*social.Post
		for i := range n {
			out = append(out, &social.Post{
				ID:              fmt.Sprint(i),
				Source:          src,
				Content:         fmt.Sprintf("An opinion from %s about the topic, number %d", src, i),
				Author:          "someone",
				CreatedAt:       time.Now().Add(-time.Hour),
				EngagementScore: float64(i),
			})
		}
		return out, nil
	}
}

func failing(err error) strategyFunc {
	return func(context.Context, source.Query) ([]*social.Post, error) { return nil, err }
}

func blocking() strategyFunc {
	return func(ctx context.Context, _ source.Query) ([]*social.Post, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	failOn stream.Kind
}

func (r *recorder) Emit(_ context.Context, ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && ev.Kind == r.failOn {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []stream.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) find(kind stream.Kind) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func assertOneTerminal(t *testing.T, r *recorder) {
	t.Helper()
	n := 0
	for _, k := range r.kinds() {
		if k.Terminal() {
			n++
		}
	}
	require.Equal(t, 1, n)
	assert.True(t, r.last().Kind.Terminal())
}

func newPipeline(cfg Config, reddit, twitter source.Strategy) *Pipeline {
	var srcs []source.ContentSource
	if reddit != nil {
		srcs = append(srcs, source.NewAdapter(social.SourceReddit, source.Config{Timeout: time.Second}, reddit))
	}
	if twitter != nil {
		srcs = append(srcs, source.NewAdapter(social.SourceTwitter, source.Config{Timeout: time.Second}, twitter))
	}
	resolver := intent.NewResolver(nil, intent.Config{})
	orch := aggregate.New(resolver, aggregate.Config{}, srcs...)
	return New(orch, enhance.New(nil, nil, nil, enhance.Config{}), cfg)
}

func TestRunStreamsFullQuery(t *testing.T) {
	p := newPipeline(Config{}, posts(social.SourceReddit, 3), posts(social.SourceTwitter, 2))
	rec := &recorder{}

	err := p.Run(context.Background(), Request{Query: "what do people think about golang generics"}, rec)
	require.NoError(t, err)
	assertOneTerminal(t, rec)

	kinds := rec.kinds()
	assert.Equal(t, stream.KindProgress, kinds[0])
	assert.Equal(t, stream.KindIntentResolved, kinds[1])
	assert.Len(t, rec.find(stream.KindSourceResults), 2)

	final := rec.find(stream.KindFinalResults)
	require.Len(t, final, 1)
	fr := final[0].Data.(stream.FinalResults)
	assert.Len(t, fr.Posts, 5)
	assert.Equal(t, 5, fr.TotalCandidates)

	done := rec.last().Data.(stream.Complete)
	assert.Equal(t, 5, done.Count)
	assert.False(t, done.NoResults)

	ir := rec.find(stream.KindIntentResolved)[0].Data.(stream.IntentResolved)
	assert.Contains(t, ir.Keywords, "golang")
	assert.True(t, ir.Degraded)
}

func TestRunEmptyQuery(t *testing.T) {
	p := newPipeline(Config{}, posts(social.SourceReddit, 1), nil)
	rec := &recorder{}

	err := p.Run(context.Background(), Request{Query: "   "}, rec)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	require.Len(t, rec.kinds(), 1)
	e := rec.last().Data.(stream.Error)
	assert.Equal(t, stream.ErrorInvalidQuery, e.Kind)
	assert.True(t, e.Recoverable)
}

func TestRunPartialFailure(t *testing.T) {
	p := newPipeline(Config{}, posts(social.SourceReddit, 2), failing(errors.New("rate limited")))
	rec := &recorder{}

	require.NoError(t, p.Run(context.Background(), Request{Query: "rust vs golang"}, rec))
	assertOneTerminal(t, rec)

	var failed, ok int
	for _, ev := range rec.find(stream.KindSourceResults) {
		sr := ev.Data.(stream.SourceResults)
		if sr.Failed {
			failed++
			assert.Equal(t, social.SourceTwitter, sr.Source)
			assert.Contains(t, sr.Reason, "rate limited")
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, rec.last().Data.(stream.Complete).Count)
}

func TestRunTotalFailureCompletesWithNoResults(t *testing.T) {
	boom := errors.New("down")
	p := newPipeline(Config{}, failing(boom), failing(boom))
	rec := &recorder{}

	require.NoError(t, p.Run(context.Background(), Request{Query: "anything at all"}, rec))
	assertOneTerminal(t, rec)
	assert.Empty(t, rec.find(stream.KindError))

	fr := rec.find(stream.KindFinalResults)[0].Data.(stream.FinalResults)
	assert.NotNil(t, fr.Posts)
	assert.Empty(t, fr.Posts)
	assert.True(t, rec.last().Data.(stream.Complete).NoResults)
}

func TestRunDeadline(t *testing.T) {
	p := newPipeline(Config{Deadline: 50 * time.Millisecond}, blocking(), posts(social.SourceTwitter, 2))
	rec := &recorder{}

	start := time.Now()
	err := p.Run(context.Background(), Request{Query: "slow sources"}, rec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	assertOneTerminal(t, rec)
	assert.Empty(t, rec.find(stream.KindFinalResults))
	e := rec.last().Data.(stream.Error)
	assert.Equal(t, stream.ErrorDeadlineExceeded, e.Kind)
	assert.True(t, e.Recoverable)
}

func TestRunClientDisconnectCancels(t *testing.T) {
	var stopped atomic.Bool
	watch := strategyFunc(func(ctx context.Context, _ source.Query) ([]*social.Post, error) {
		<-ctx.Done()
		stopped.Store(true)
		return nil, ctx.Err()
	})
	// Twitter settles first; delivering its result fails while Reddit is
	// still in flight.
	p := newPipeline(Config{Deadline: 5 * time.Second}, watch, posts(social.SourceTwitter, 1))
	rec := &recorder{failOn: stream.KindSourceResults}

	err := p.Run(context.Background(), Request{Query: "client leaves early"}, rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, stopped.Load())
	assert.Empty(t, rec.find(stream.KindFinalResults))
	assert.Empty(t, rec.find(stream.KindComplete))
}

func TestRunServesCachedResults(t *testing.T) {
	var calls atomic.Int32
	counting := strategyFunc(func(ctx context.Context, q source.Query) ([]*social.Post, error) {
		calls.Add(1)
		return posts(social.SourceReddit, 2)(ctx, q)
	})
	c := cache.New(cache.Config{})
	p := newPipeline(Config{Cache: c}, counting, posts(social.SourceTwitter, 1))

	first := &recorder{}
	require.NoError(t, p.Run(context.Background(), Request{Query: "Cached Question"}, first))
	assert.False(t, first.last().Data.(stream.Complete).Cached)

	second := &recorder{}
	require.NoError(t, p.Run(context.Background(), Request{Query: "cached   question"}, second))
	assertOneTerminal(t, second)
	done := second.last().Data.(stream.Complete)
	assert.True(t, done.Cached)
	assert.Equal(t, 3, done.Count)
	assert.Equal(t, []stream.Kind{
		stream.KindIntentResolved, stream.KindSourceResults, stream.KindSourceResults,
		stream.KindFinalResults, stream.KindComplete,
	}, second.kinds())
	srs := second.find(stream.KindSourceResults)
	assert.Equal(t, stream.SourceResults{Source: social.SourceReddit, Count: 2}, srs[0].Data)
	assert.Equal(t, stream.SourceResults{Source: social.SourceTwitter, Count: 1}, srs[1].Data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunDoesNotCachePartialResults(t *testing.T) {
	c := cache.New(cache.Config{})
	p := newPipeline(Config{Cache: c}, posts(social.SourceReddit, 2), failing(errors.New("down")))

	require.NoError(t, p.Run(context.Background(), Request{Query: "partial"}, &recorder{}))
	assert.Equal(t, 0, c.Stats().Entries)
}

type stubAggregator struct {
	resolve func() social.QueryIntent
}

func (s stubAggregator) Resolve(context.Context, string, social.Filters) social.QueryIntent {
	return s.resolve()
}

func (stubAggregator) Collect(context.Context, social.QueryIntent, func(aggregate.SourceOutcome)) ([]*social.Post, []aggregate.SourceOutcome, error) {
	return nil, nil, nil
}

func TestRunFatalErrors(t *testing.T) {
	cases := map[string]func() social.QueryIntent{
		"no platforms": func() social.QueryIntent { return social.QueryIntent{Keywords: []string{"x"}} },
		"panic":        func() social.QueryIntent { panic("invariant broken") },
	}
	for name, resolve := range cases {
		t.Run(name, func(t *testing.T) {
			p := New(stubAggregator{resolve: resolve}, enhance.New(nil, nil, nil, enhance.Config{}), Config{})
			rec := &recorder{}

			err := p.Run(context.Background(), Request{Query: "quantum computing"}, rec)
			assert.ErrorIs(t, err, ErrFatal)
			assertOneTerminal(t, rec)
			e := rec.last().Data.(stream.Error)
			assert.Equal(t, stream.ErrorFatal, e.Kind)
			assert.False(t, e.Recoverable)
		})
	}
}

type panickingSource social.Source

func (s panickingSource) Name() social.Source { return social.Source(s) }
func (panickingSource) Search(context.Context, source.Query) []*social.Post {
	panic("boom")
}

func TestRunSurvivesPanickingSource(t *testing.T) {
	orch := aggregate.New(intent.NewResolver(nil, intent.Config{}), aggregate.Config{},
		panickingSource(social.SourceReddit),
		source.NewAdapter(social.SourceTwitter, source.Config{Timeout: time.Second}, posts(social.SourceTwitter, 2)))
	p := New(orch, enhance.New(nil, nil, nil, enhance.Config{}), Config{})
	rec := &recorder{}

	require.NoError(t, p.Run(context.Background(), Request{Query: "service mesh opinions"}, rec))
	assertOneTerminal(t, rec)
	assert.Equal(t, stream.KindComplete, rec.last().Kind)

	var failed []stream.SourceResults
	for _, ev := range rec.find(stream.KindSourceResults) {
		if sr := ev.Data.(stream.SourceResults); sr.Failed {
			failed = append(failed, sr)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, social.SourceReddit, failed[0].Source)
	assert.Equal(t, "panic: boom", failed[0].Reason)
}

func TestRunFiltersOverrideIntent(t *testing.T) {
	p := newPipeline(Config{}, posts(social.SourceReddit, 2), posts(social.SourceTwitter, 2))
	rec := &recorder{}

	req := Request{Query: "kubernetes operators", Filters: social.Filters{Platforms: []social.Source{social.SourceTwitter}}}
	require.NoError(t, p.Run(context.Background(), req, rec))

	srs := rec.find(stream.KindSourceResults)
	require.Len(t, srs, 1)
	assert.Equal(t, social.SourceTwitter, srs[0].Data.(stream.SourceResults).Source)
	assert.Equal(t, 2, rec.last().Data.(stream.Complete).Count)
}
