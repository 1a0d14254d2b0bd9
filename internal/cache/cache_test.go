package cache

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

	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/storage"
	"github.com/FranksOps/echo/internal/storage/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func sampleValue(t *testing.T) Value {
	t.Helper()
	p := &social.Post{ID: "1", Source: social.SourceReddit, Content: "Cached post body", Author: "u/a", EngagementScore: 4}
	require.NoError(t, p.Enhance(social.Enhancement{Summary: "s", Sentiment: social.SentimentPositive, RelevanceScore: 0.7}))
	return Value{
		Intent:          social.QueryIntent{Query: "go generics", Keywords: []string{"go", "generics"}, Platforms: social.AllSources(), TimeRange: social.TimeRangeWeek},
		Posts:           []*social.Post{p},
		TotalCandidates: 3,
	}
}

func TestKeyNormalisesQuery(t *testing.T) {
	assert.Equal(t, Key("What about  Go?", social.Filters{}), Key("what about go?", social.Filters{}))
	assert.NotEqual(t, Key("go", social.Filters{}), Key("go", social.Filters{TimeRange: social.TimeRangeDay}))

	a := Key("go", social.Filters{Platforms: []social.Source{social.SourceTwitter, social.SourceReddit}})
	b := Key("go", social.Filters{Platforms: []social.Source{social.SourceReddit, social.SourceTwitter}})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSetGetExpiry(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, Now: clk.Now})
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", sampleValue(t))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Len(t, got.Posts, 1)
	e, ok := got.Posts[0].Enhancement()
	require.True(t, ok)
	assert.Equal(t, 0.7, e.RelevanceScore)

	clk.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Sweep())
	st := c.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()
	c.Set(ctx, "k", sampleValue(t))

	first, _ := c.Get(ctx, "k")
	first.Posts[0].Content = "mutated"
	first.Intent.Keywords[0] = "mutated"

	second, _ := c.Get(ctx, "k")
	assert.Equal(t, "Cached post body", second.Posts[0].Content)
	assert.Equal(t, "go", second.Intent.Keywords[0])
}

func TestGetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := New(Config{})
	release := make(chan struct{})
	var loads atomic.Int32
	load := func(context.Context) (Value, error) {
		loads.Add(1)
		<-release
		return sampleValue(t), nil
	}

	var wg sync.WaitGroup
	var cachedCount atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, cached, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Len(t, v.Posts, 1)
			if cached {
				cachedCount.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, int32(7), cachedCount.Load())
}

func TestGetOrLoadFailureNotCached(t *testing.T) {
	c := New(Config{})
	boom := errors.New("boom")
	_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (Value, error) { return Value{}, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestStoreTier(t *testing.T) {
	clk := newClock()
	store, err := sqlite.New("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	writer := New(Config{TTL: time.Hour, Store: store, Now: clk.Now})
	writer.Set(ctx, "k", sampleValue(t))

	// A fresh process sees the stored entry.
	reader := New(Config{TTL: time.Hour, Store: store, Now: clk.Now})
	got, ok := reader.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 3, got.TotalCandidates)
	assert.Equal(t, 1, reader.Stats().Entries)

	entries, err := store.Query(ctx, storage.Filter{IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Key, "generics")
}

func TestStartSweeps(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, SweepInterval: 5 * time.Millisecond, Now: clk.Now})
	ctx := context.Background()
	for i := range 3 {
		c.Set(ctx, fmt.Sprint(i), sampleValue(t))
	}
	clk.Advance(2 * time.Minute)

	c.Start(ctx)
	defer c.Close()
	assert.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
}

func TestPartialValuesAreNotKept(t *testing.T) {
	c := New(Config{})
	v := sampleValue(t)
	v.Partial = true
	c.Set(context.Background(), "k", v)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestGetOrLoadPartialIsNotSharedAsCached(t *testing.T) {
	c := New(Config{})
	release := make(chan struct{})
	var loads atomic.Int32
	load := func(context.Context) (Value, error) {
		if loads.Add(1) == 1 {
			<-release
		}
		v := sampleValue(t)
		v.Partial = true
		return v, nil
	}

	var wg sync.WaitGroup
	var cachedCount atomic.Int32
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, cached, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.True(t, v.Partial)
			if cached {
				cachedCount.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Zero(t, cachedCount.Load())
	assert.Equal(t, int32(4), loads.Load())
	assert.Equal(t, 0, c.Stats().Entries)
}
