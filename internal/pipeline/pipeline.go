// Package pipeline runs one query end to end: intent, collection,
// enhancement and streaming, ending in exactly one terminal event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/aggregate"
	"github.com/FranksOps/echo/internal/cache"
	"github.com/FranksOps/echo/internal/enhance"
	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/stream"
)

// DefaultDeadline bounds a whole query.
const DefaultDeadline = 45 * time.Second

var (
	// ErrInvalidQuery is returned for a query CleanQuery rejects.
	ErrInvalidQuery = errors.New("pipeline: invalid query")
	// ErrClientGone is the cancellation cause when the sink stops accepting
	// events.
	ErrClientGone = errors.New("pipeline: client disconnected")
	// ErrFatal wraps internal failures that indicate a bug.
	ErrFatal = errors.New("pipeline: fatal error")
)

// Aggregator resolves intents and collects posts.
type Aggregator interface {
	Resolve(ctx context.Context, query string, filters social.Filters) social.QueryIntent
	Collect(ctx context.Context, q social.QueryIntent, onSource func(aggregate.SourceOutcome)) ([]*social.Post, []aggregate.SourceOutcome, error)
}

// Enhancer turns collected posts into the final ranked list.
type Enhancer interface {
	EnhanceWithStats(ctx context.Context, posts []*social.Post, query string, sentiment *social.Sentiment) ([]*social.Post, enhance.Stats, error)
}

var (
	_ Aggregator = (*aggregate.Orchestrator)(nil)
	_ Enhancer   = (*enhance.Pipeline)(nil)
)

// Request is one inbound query.
type Request struct {
	Query   string         `json:"query"`
	Filters social.Filters `json:"filters"`
	// SessionID is opaque caller context, only logged.
	SessionID string `json:"session_id,omitempty"`
	// QueryID is stamped on every event; empty means a fresh UUID.
	QueryID string `json:"query_id,omitempty"`
}

// Config tunes a Pipeline.
type Config struct {
	Deadline time.Duration // default DefaultDeadline
	// Cache is optional.
	Cache  *cache.Cache
	Logger *slog.Logger
}

// Pipeline is safe for concurrent Runs.
type Pipeline struct {
	agg      Aggregator
	enhancer Enhancer
	cache    *cache.Cache
	deadline time.Duration
	logger   *slog.Logger
}

// New builds a Pipeline.
func New(agg Aggregator, enhancer Enhancer, cfg Config) *Pipeline {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{agg: agg, enhancer: enhancer, cache: cfg.Cache, deadline: cfg.Deadline, logger: cfg.Logger}
}

// Run processes req and streams its events to sink. Exactly one terminal
// event is attempted. The returned error is nil for a completed query (with
// or without results) and otherwise wraps the terminal cause:
// ErrInvalidQuery, context.Canceled, context.DeadlineExceeded or ErrFatal.
func (p *Pipeline) Run(ctx context.Context, req Request, sink stream.Sink) (err error) {
	start := time.Now()
	em := stream.NewEmitter(sink, req.QueryID)
	logger := p.logger.With("query_id", em.QueryID())
	if req.SessionID != "" {
		logger = logger.With("session_id", req.SessionID)
	}

	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	em.OnSinkError(func(serr error) {
		cancelCause(fmt.Errorf("%w: %w", ErrClientGone, serr))
	})
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	outcome := "complete"
	defer func() {
		metrics.QueriesTotal.WithLabelValues(outcome).Inc()
		metrics.QueryDuration.Observe(time.Since(start).Seconds())
		logger.Info("query finished", "outcome", outcome, "duration", time.Since(start), "err", err)
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("query panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrFatal, r)
			outcome = string(stream.ErrorFatal)
			_ = em.Fail(context.WithoutCancel(ctx), stream.ErrorFatal, "internal error", false)
		}
	}()

	query, err := CleanQuery(req.Query)
	if err != nil {
		outcome = string(stream.ErrorInvalidQuery)
		_ = em.Fail(ctx, stream.ErrorInvalidQuery, invalidReason(err), true)
		return err
	}

	var (
		v      cache.Value
		cached bool
	)
	process := func(ctx context.Context) (cache.Value, error) {
		return p.process(ctx, em, logger, query, req.Filters)
	}
	if p.cache != nil {
		v, cached, err = p.cache.GetOrLoad(ctx, cache.Key(query, req.Filters), process)
	} else {
		v, err = process(ctx)
	}
	if err != nil {
		kind, recoverable, msg := classify(ctx, err)
		outcome = string(kind)
		_ = em.Fail(context.WithoutCancel(ctx), kind, msg, recoverable)
		return err
	}

	if cached {
		outcome = "cached"
		logger.Debug("serving cached result", "count", len(v.Posts))
		if err := em.IntentResolved(ctx, v.Intent); err != nil {
			return p.sinkFailed(ctx, em, &outcome, err)
		}
		for _, sr := range v.Sources {
			if err := em.SourceResults(ctx, sr); err != nil {
				return p.sinkFailed(ctx, em, &outcome, err)
			}
		}
		if err := em.FinalResults(ctx, stream.FinalResults{Posts: v.Posts, TotalCandidates: v.TotalCandidates}); err != nil {
			return p.sinkFailed(ctx, em, &outcome, err)
		}
	} else if len(v.Posts) == 0 {
		outcome = "no_results"
	}

	if err := em.Complete(ctx, stream.Complete{Count: len(v.Posts), NoResults: len(v.Posts) == 0, Cached: cached}); err != nil {
		return p.sinkFailed(ctx, em, &outcome, err)
	}
	return nil
}

// process runs the uncached path and streams its intermediate events.
func (p *Pipeline) process(ctx context.Context, em *stream.Emitter, logger *slog.Logger, query string, filters social.Filters) (cache.Value, error) {
	_ = em.Progress(ctx, "intent", "Understanding your question")
	q := p.agg.Resolve(ctx, query, filters)
	if err := ctx.Err(); err != nil {
		return cache.Value{}, err
	}
	if len(q.Platforms) == 0 {
		return cache.Value{}, fmt.Errorf("%w: %w", ErrFatal, social.ErrNoPlatforms)
	}
	if err := em.IntentResolved(ctx, q); err != nil {
		return cache.Value{}, ctxErr(ctx, err)
	}
	logger.Debug("intent resolved", "keywords", q.Keywords, "platforms", q.Platforms, "degraded", q.Degraded)

	_ = em.Progress(ctx, "search", "Searching "+platformList(q.Platforms))
	partial := false
	posts, outcomes, err := p.agg.Collect(ctx, q, func(o aggregate.SourceOutcome) {
		if o.Failed {
			partial = true
		}
		_ = em.SourceResults(ctx, sourceResults(o))
	})
	if err != nil {
		if errors.Is(err, social.ErrNoPlatforms) {
			return cache.Value{}, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return cache.Value{}, ctxErr(ctx, err)
	}

	var ranked []*social.Post
	if len(posts) > 0 {
		_ = em.Progress(ctx, "enhance", fmt.Sprintf("Analysing %d posts", len(posts)))
		var st enhance.Stats
		ranked, st, err = p.enhancer.EnhanceWithStats(ctx, posts, query, q.SentimentFilter)
		if err != nil {
			return cache.Value{}, ctxErr(ctx, err)
		}
		logger.Debug("posts enhanced", "input", st.Input, "duplicates", st.Duplicates,
			"low_quality", st.LowQuality, "degraded", st.Degraded, "count", st.Output)
	}
	if ranked == nil {
		ranked = []*social.Post{}
	}

	if err := em.FinalResults(ctx, stream.FinalResults{Posts: ranked, TotalCandidates: len(posts)}); err != nil {
		return cache.Value{}, ctxErr(ctx, err)
	}
	sources := make([]stream.SourceResults, 0, len(outcomes))
	for _, o := range outcomes {
		sources = append(sources, sourceResults(o))
	}
	return cache.Value{Intent: q, Posts: ranked, TotalCandidates: len(posts), Sources: sources, Partial: partial}, nil
}

func sourceResults(o aggregate.SourceOutcome) stream.SourceResults {
	return stream.SourceResults{Source: o.Source, Count: o.Count, Failed: o.Failed, Reason: o.Reason}
}

// sinkFailed records a delivery failure on the success path.
func (p *Pipeline) sinkFailed(ctx context.Context, em *stream.Emitter, outcome *string, err error) error {
	kind, recoverable, msg := classify(ctx, ctxErr(ctx, err))
	*outcome = string(kind)
	_ = em.Fail(context.WithoutCancel(ctx), kind, msg, recoverable)
	return err
}

// ctxErr prefers the context's error so cancellation is classified as such
// even when it surfaced through a sink failure.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, cerr) {
			return fmt.Errorf("%w: %w", cerr, cause)
		}
		return cerr
	}
	return err
}

func classify(ctx context.Context, err error) (stream.ErrorKind, bool, string) {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return stream.ErrorInvalidQuery, true, invalidReason(err)
	case errors.Is(err, context.DeadlineExceeded):
		return stream.ErrorDeadlineExceeded, true, "query took too long"
	case errors.Is(err, context.Canceled), errors.Is(context.Cause(ctx), ErrClientGone):
		return stream.ErrorCancelled, true, "query cancelled"
	}
	return stream.ErrorFatal, false, "internal error"
}

func platformList(ps []social.Source) string {
	names := make([]string, len(ps))
	for i, s := range ps {
		names[i] = string(s)
	}
	return strings.Join(names, " and ")
}
