package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/echo/internal/pipeline"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/stream"
)

type runnerFunc func(ctx context.Context, req pipeline.Request, sink stream.Sink) error

func (f runnerFunc) Run(ctx context.Context, req pipeline.Request, sink stream.Sink) error {
	return f(ctx, req, sink)
}

func TestQueryStreamsEvents(t *testing.T) {
	var got pipeline.Request
	s := New(runnerFunc(func(ctx context.Context, req pipeline.Request, sink stream.Sink) error {
		got = req
		em := stream.NewEmitter(sink, "q-1")
		_ = em.IntentResolved(ctx, social.QueryIntent{Keywords: []string{"go"}, Platforms: req.Filters.Platforms})
		return em.Complete(ctx, stream.Complete{NoResults: true})
	}), Config{})

	body := `{"query":"what about go","session_id":"s-1","filters":{"platforms":["twitter"],"time_range":"week","sentiment":"positive"}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event: intent_resolved\n")
	assert.Contains(t, out, "event: complete\n")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	assert.Equal(t, "what about go", got.Query)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, []social.Source{social.SourceTwitter}, got.Filters.Platforms)
	assert.Equal(t, social.TimeRangeWeek, got.Filters.TimeRange)
	require.NotNil(t, got.Filters.Sentiment)
	assert.Equal(t, social.SentimentPositive, *got.Filters.Sentiment)
}

func TestQueryRejectsBadInput(t *testing.T) {
	called := false
	s := New(runnerFunc(func(context.Context, pipeline.Request, stream.Sink) error {
		called = true
		return nil
	}), Config{})

	for name, body := range map[string]string{
		"malformed":  `{"query":`,
		"platform":   `{"query":"x","filters":{"platforms":["myspace"]}}`,
		"range":      `{"query":"x","filters":{"time_range":"decade"}}`,
		"sentiment":  `{"query":"x","filters":{"sentiment":"angry"}}`,
		"engagement": `{"query":"x","filters":{"min_engagement":-1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.False(t, called)
}

func TestQueryRateLimitedPerClient(t *testing.T) {
	var calls int
	s := New(runnerFunc(func(context.Context, pipeline.Request, stream.Sink) error {
		calls++
		return nil
	}), Config{RequestsPerMinute: 2})

	post := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"what about go"}`))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, post("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, post("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, post("10.0.0.1:5002"))
	assert.Equal(t, http.StatusOK, post("10.0.0.2:5000"))
	assert.Equal(t, 3, calls)
}

func TestQueryRateLimitDisabled(t *testing.T) {
	s := New(runnerFunc(func(context.Context, pipeline.Request, stream.Sink) error { return nil }), Config{RequestsPerMinute: -1})
	for range 5 {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"what about go"}`)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := New(runnerFunc(func(context.Context, pipeline.Request, stream.Sink) error { return nil }), Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestFilterRequestAnySentiment(t *testing.T) {
	f, err := FilterRequest{Sentiment: "any", Platforms: []string{"Reddit"}}.Filters()
	require.NoError(t, err)
	assert.Nil(t, f.Sentiment)
	assert.Equal(t, []social.Source{social.SourceReddit}, f.Platforms)
}
