// Package source defines the content source contract and the fallback-chain
// adapter that every platform implementation plugs its strategies into.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/pkg/ratelimit"
)

// DefaultLimit is the per-source cap when a Query sets none.
const DefaultLimit = 25

// Circuit breaker defaults: a strategy that fails this many times in a row
// is skipped until the delay has passed.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerDelay     = time.Minute
)

// ErrNotConfigured is returned by strategies that lack credentials or an
// endpoint. The adapter skips them silently.
var ErrNotConfigured = errors.New("source: strategy not configured")

// Query is what an adapter searches for.
type Query struct {
	Keywords      []string
	TimeRange     social.TimeRange
	MinEngagement float64
	Subreddit     string
	Limit         int
}

// QueryFromIntent derives the adapter query for one resolved intent.
func QueryFromIntent(q social.QueryIntent, limit int) Query {
	return Query{
		Keywords:      q.Keywords,
		TimeRange:     q.TimeRange,
		MinEngagement: q.MinEngagement,
		Subreddit:     q.Subreddit,
		Limit:         limit,
	}
}

// Strategy is one transport for a platform: an API, an alternate API or a
// scraper. Errors are reported; the adapter decides what to do with them.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]*social.Post, error)
}

// ContentSource is the uniform contract of a platform adapter. Search never
// fails: any failure yields an empty list.
type ContentSource interface {
	Name() social.Source
	Search(ctx context.Context, q Query) []*social.Post
}

// Failure describes one failed strategy call.
type Failure struct {
	Source   social.Source
	Strategy string
	Err      error
}

// Reporter receives failures for the query in flight.
type Reporter func(Failure)

type reporterKey struct{}

// WithReporter attaches r to ctx so adapters can report failures upstream
// without changing their result type.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

func report(ctx context.Context, f Failure) {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		r(f)
	}
}

// Config tunes an Adapter.
type Config struct {
	// Timeout bounds each strategy call. Default 6s.
	Timeout time.Duration
	// Limiter paces calls to the platform; nil means unlimited.
	Limiter *ratelimit.Limiter
	// BreakerThreshold is the run of failures that opens a strategy's
	// circuit. Default DefaultBreakerThreshold; negative disables breakers.
	BreakerThreshold int
	// BreakerDelay is how long an open circuit stays open. Default
	// DefaultBreakerDelay.
	BreakerDelay time.Duration
	Logger       *slog.Logger
	// Now is used for window checks and approximate timestamps.
	Now func() time.Time
}

var _ ContentSource = (*Adapter)(nil)

// Adapter runs an ordered list of strategies and returns the first
// non-empty, error-free result.
type Adapter struct {
	source     social.Source
	strategies []Strategy
	// breakers parallels strategies; nil when breakers are disabled.
	breakers []failsafe.Executor[[]*social.Post]
	timeout  time.Duration
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter builds an adapter for src trying strategies in order.
func NewAdapter(src social.Source, cfg Config, strategies ...Strategy) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = DefaultBreakerDelay
	}
	a := &Adapter{
		source:     src,
		strategies: strategies,
		timeout:    cfg.Timeout,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger.With("source", string(src)),
		now:        cfg.Now,
	}
	if cfg.BreakerThreshold > 0 {
		a.breakers = make([]failsafe.Executor[[]*social.Post], len(strategies))
		for i, s := range strategies {
			a.breakers[i] = failsafe.With[[]*social.Post](a.newBreaker(s.Name(), cfg.BreakerThreshold, cfg.BreakerDelay))
		}
	}
	return a
}

// newBreaker counts strategy errors toward opening the circuit, except for
// skipped strategies and calls cut short by the query ending.
func (a *Adapter) newBreaker(strategy string, threshold int, delay time.Duration) circuitbreaker.CircuitBreaker[[]*social.Post] {
	log := a.logger.With("strategy", strategy)
	return circuitbreaker.NewBuilder[[]*social.Post]().
		WithFailureThreshold(uint(threshold)).
		WithDelay(delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ []*social.Post, err error) bool {
			return err != nil && !errors.Is(err, ErrNotConfigured) && !errors.Is(err, errQueryEnded)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			switch event.NewState {
			case circuitbreaker.OpenState:
				log.Warn("strategy circuit opened", "retry_after", delay)
			case circuitbreaker.ClosedState:
				log.Info("strategy circuit closed")
			}
		}).
		Build()
}

func (a *Adapter) Name() social.Source { return a.source }

// Strategies lists the strategy names in order.
func (a *Adapter) Strategies() []string {
	names := make([]string, len(a.strategies))
	for i, s := range a.strategies {
		names[i] = s.Name()
	}
	return names
}

// Search tries each strategy in turn. It returns nil when every strategy
// fails or ctx ends.
func (a *Adapter) Search(ctx context.Context, q Query) []*social.Post {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	for i := range a.strategies {
		if ctx.Err() != nil {
			return nil
		}
		posts, err := a.try(ctx, i, q)
		if err != nil {
			continue
		}
		return posts
	}
	return nil
}

var (
	errNoResults = errors.New("source: no results")
	// errQueryEnded marks strategy errors caused by the query itself ending.
	errQueryEnded = errors.New("source: query ended")
)

func (a *Adapter) try(ctx context.Context, i int, q Query) ([]*social.Post, error) {
	s := a.strategies[i]
	log := a.logger.With("strategy", s.Name())
	start := time.Now()

	var (
		posts []*social.Post
		err   error
	)
	if a.breakers != nil {
		posts, err = a.breakers[i].Get(func() ([]*social.Post, error) {
			posts, err := a.call(ctx, s, q)
			if err != nil && ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", errQueryEnded, err)
			}
			return posts, err
		})
	} else {
		posts, err = a.call(ctx, s, q)
	}
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.RecordSource(string(a.source), s.Name(), "open", elapsed)
		log.Debug("strategy circuit open, skipping")
		report(ctx, Failure{Source: a.source, Strategy: s.Name(), Err: err})
		return nil, err
	case errors.Is(err, ErrNotConfigured):
		metrics.RecordSource(string(a.source), s.Name(), "skipped", elapsed)
		log.Debug("strategy skipped", "err", err)
		return nil, err
	case err != nil:
		metrics.RecordSource(string(a.source), s.Name(), "error", elapsed)
		log.Warn("strategy failed", "err", err, "elapsed", elapsed)
		report(ctx, Failure{Source: a.source, Strategy: s.Name(), Err: err})
		return nil, err
	}

	posts = Validate(posts, a.source, q, a.now())
	if len(posts) == 0 {
		metrics.RecordSource(string(a.source), s.Name(), "empty", elapsed)
		log.Debug("strategy returned no usable posts")
		report(ctx, Failure{Source: a.source, Strategy: s.Name(), Err: errNoResults})
		return nil, errNoResults
	}

	metrics.RecordSource(string(a.source), s.Name(), "ok", elapsed)
	metrics.SourcePostsTotal.WithLabelValues(string(a.source)).Add(float64(len(posts)))
	log.Info("strategy succeeded", "count", len(posts), "elapsed", elapsed)
	for _, p := range posts {
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata["strategy"] = s.Name()
	}
	return posts, nil
}

// call runs one strategy under its own deadline.
func (a *Adapter) call(ctx context.Context, s Strategy, q Query) (posts []*social.Post, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			posts, err = nil, fmt.Errorf("source: strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Fetch(ctx, q)
}
