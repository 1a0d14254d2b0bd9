package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/FranksOps/echo/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect() (*[]Event, FuncSink) {
	var mu sync.Mutex
	var events []Event
	return &events, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}
}

func TestEmitterSingleTerminal(t *testing.T) {
	events, sink := collect()
	e := NewEmitter(sink, "q-1")
	ctx := context.Background()

	require.NoError(t, e.Progress(ctx, "intent", "Understanding your question"))
	require.NoError(t, e.IntentResolved(ctx, social.QueryIntent{Keywords: []string{"go"}, Platforms: social.AllSources()}))
	require.NoError(t, e.Complete(ctx, Complete{NoResults: true}))
	assert.True(t, e.Terminated())

	assert.ErrorIs(t, e.Fail(ctx, ErrorFatal, "late", false), ErrTerminated)
	assert.ErrorIs(t, e.Complete(ctx, Complete{}), ErrTerminated)

	require.Len(t, *events, 3)
	for i, ev := range *events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, "q-1", ev.QueryID)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, KindComplete, (*events)[2].Kind)
}

func TestEmitterConcurrentTerminal(t *testing.T) {
	events, sink := collect()
	e := NewEmitter(sink, "")
	assert.NotEmpty(t, e.QueryID())

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = e.Complete(context.Background(), Complete{})
			} else {
				err = e.Fail(context.Background(), ErrorCancelled, "x", true)
			}
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Len(t, *events, 1)
}

func TestEmitterSinkErrorHook(t *testing.T) {
	gone := errors.New("client gone")
	calls := 0
	e := NewEmitter(FuncSink(func(context.Context, Event) error { return gone }), "q")
	e.OnSinkError(func(err error) {
		calls++
		assert.ErrorIs(t, err, gone)
	})

	assert.ErrorIs(t, e.Progress(context.Background(), "a", "b"), gone)
	assert.ErrorIs(t, e.Progress(context.Background(), "a", "b"), gone)
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, e.Complete(context.Background(), Complete{}), gone)
	assert.True(t, e.Terminated())
}

func TestChanSink(t *testing.T) {
	ch := make(chan Event, 1)
	require.NoError(t, ChanSink(ch).Emit(context.Background(), Event{Seq: 1}))
	assert.Equal(t, 1, (<-ch).Seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := make(chan Event)
	assert.ErrorIs(t, ChanSink(blocked).Emit(ctx, Event{}), context.Canceled)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(NewWriterSink(&buf), "q")
	ctx := context.Background()
	require.NoError(t, e.SourceResults(ctx, SourceResults{Source: social.SourceReddit, Count: 3}))
	require.NoError(t, e.Complete(ctx, Complete{Count: 3}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first struct {
		Kind Kind          `json:"kind"`
		Data SourceResults `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, KindSourceResults, first.Kind)
	assert.Equal(t, 3, first.Data.Count)
}

func TestSSESink(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	e := NewEmitter(sink, "q")
	ctx := context.Background()
	require.NoError(t, e.Progress(ctx, "search", "Searching"))
	require.NoError(t, e.Fail(ctx, ErrorDeadlineExceeded, "too slow", true))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var dataLines []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if d, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			dataLines = append(dataLines, d)
		}
	}
	require.Len(t, dataLines, 3)
	assert.Equal(t, "[DONE]", dataLines[2])

	var ev struct {
		Kind Kind  `json:"kind"`
		Data Error `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLines[1]), &ev))
	assert.Equal(t, KindError, ev.Kind)
	assert.Equal(t, ErrorDeadlineExceeded, ev.Data.Kind)
	assert.True(t, ev.Data.Recoverable)
	assert.Contains(t, rec.Body.String(), "event: progress\n")
}

func TestKindTerminal(t *testing.T) {
	assert.True(t, KindComplete.Terminal())
	assert.True(t, KindError.Terminal())
	assert.False(t, KindFinalResults.Terminal())
}
