// Package aggregate fans a resolved intent out to every requested content
// source and merges what comes back.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/echo/internal/intent"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
)

// SourceOutcome summarises one source's contribution to a query.
type SourceOutcome struct {
	Source social.Source
	Count  int
	// Failed is set when the source produced nothing and at least one of its
	// strategies failed, or when no adapter is registered for it.
	Failed   bool
	Reason   string
	Duration time.Duration
}

// Result is the merged output of one aggregation.
type Result struct {
	Intent   social.QueryIntent
	Posts    []*social.Post
	Outcomes []SourceOutcome
}

// Config tunes an Orchestrator.
type Config struct {
	// PerSourceLimit caps each source's contribution. Default source.DefaultLimit.
	PerSourceLimit int
	Logger         *slog.Logger
}

// Orchestrator owns the registered sources and the intent resolver.
type Orchestrator struct {
	resolver *intent.Resolver
	sources  map[social.Source]source.ContentSource
	limit    int
	logger   *slog.Logger
}

// New registers sources by name. Later duplicates replace earlier ones.
func New(resolver *intent.Resolver, cfg Config, sources ...source.ContentSource) *Orchestrator {
	if cfg.PerSourceLimit <= 0 {
		cfg.PerSourceLimit = source.DefaultLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := make(map[social.Source]source.ContentSource, len(sources))
	for _, s := range sources {
		m[s.Name()] = s
	}
	return &Orchestrator{resolver: resolver, sources: m, limit: cfg.PerSourceLimit, logger: cfg.Logger}
}

// Resolve reads the intent of query. It never fails.
func (o *Orchestrator) Resolve(ctx context.Context, query string, filters social.Filters) social.QueryIntent {
	return o.resolver.Resolve(ctx, query, filters)
}

// Aggregate resolves query and collects posts for it.
func (o *Orchestrator) Aggregate(ctx context.Context, query string, filters social.Filters) (Result, error) {
	q := o.Resolve(ctx, query, filters)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	posts, outcomes, err := o.Collect(ctx, q, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{Intent: q, Posts: posts, Outcomes: outcomes}, nil
}

// Collect queries every platform in q concurrently and waits for all of
// them. onSource, when set, is called as each source settles; calls are
// serialised. Posts are merged in platform order and deduplicated by key,
// keeping the first occurrence. The only error is ctx ending, in which case
// partial results are discarded.
func (o *Orchestrator) Collect(ctx context.Context, q social.QueryIntent, onSource func(SourceOutcome)) ([]*social.Post, []SourceOutcome, error) {
	platforms := social.OrderPlatforms(q.Platforms)
	if len(platforms) == 0 {
		return nil, nil, fmt.Errorf("aggregate: %w", social.ErrNoPlatforms)
	}
	sq := source.QueryFromIntent(q, o.limit)

	var mu sync.Mutex
	results := make([][]*social.Post, len(platforms))
	outcomes := make([]SourceOutcome, len(platforms))
	settle := func(i int, out SourceOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[i] = out
		if onSource != nil && ctx.Err() == nil {
			onSource(out)
		}
	}

	// Sources never return errors, so the group only bounds the fan-out.
	var g errgroup.Group
	for i, p := range platforms {
		src, ok := o.sources[p]
		if !ok {
			o.logger.Warn("no adapter registered", "source", string(p))
			settle(i, SourceOutcome{Source: p, Failed: true, Reason: "source not available"})
			continue
		}
		g.Go(func() error {
			var (
				fmu     sync.Mutex
				lastErr error
			)
			sctx := source.WithReporter(ctx, func(f source.Failure) {
				fmu.Lock()
				lastErr = f.Err
				fmu.Unlock()
			})

			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Error("source panicked", "source", string(p), "panic", rec)
					settle(i, SourceOutcome{Source: p, Failed: true, Reason: fmt.Sprintf("panic: %v", rec), Duration: time.Since(start)})
				}
			}()
			posts := src.Search(sctx, sq)
			out := SourceOutcome{Source: p, Count: len(posts), Duration: time.Since(start)}
			fmu.Lock()
			if len(posts) == 0 && lastErr != nil {
				out.Failed, out.Reason = true, lastErr.Error()
			}
			fmu.Unlock()

			results[i] = posts
			settle(i, out)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return merge(results), outcomes, nil
}

func merge(lists [][]*social.Post) []*social.Post {
	seen := make(map[string]struct{})
	var out []*social.Post
	for _, posts := range lists {
		for _, p := range posts {
			if p == nil {
				continue
			}
			if _, dup := seen[p.Key()]; dup {
				continue
			}
			seen[p.Key()] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
