package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FranksOps/echo/internal/aggregate"
	"github.com/FranksOps/echo/internal/cache"
	"github.com/FranksOps/echo/internal/config"
	"github.com/FranksOps/echo/internal/enhance"
	"github.com/FranksOps/echo/internal/fingerprint"
	"github.com/FranksOps/echo/internal/intent"
	"github.com/FranksOps/echo/internal/llm"
	"github.com/FranksOps/echo/internal/pipeline"
	"github.com/FranksOps/echo/internal/scraper"
	"github.com/FranksOps/echo/internal/serp"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/source"
	"github.com/FranksOps/echo/internal/source/reddit"
	"github.com/FranksOps/echo/internal/source/twitter"
	"github.com/FranksOps/echo/internal/storage"
	"github.com/FranksOps/echo/internal/storage/postgres"
	"github.com/FranksOps/echo/internal/storage/redisstore"
	"github.com/FranksOps/echo/internal/storage/sqlite"
	"github.com/FranksOps/echo/pkg/httpclient"
	"github.com/FranksOps/echo/pkg/proxy"
	"github.com/FranksOps/echo/pkg/ratelimit"
)

// app holds the wired components of one process.
type app struct {
	pipeline *pipeline.Pipeline
	cache    *cache.Cache
	store    storage.Store
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	src := cfg.Sources

	profile, err := fingerprint.ParseProfile(src.Fingerprint)
	if err != nil {
		return nil, err
	}
	var pool *proxy.Pool
	if len(src.Proxies) > 0 {
		pool = proxy.NewPool(proxy.Config{})
		if err := pool.Add(src.Proxies...); err != nil {
			return nil, err
		}
	}
	var agents []string
	if src.UserAgent != "" {
		agents = []string{src.UserAgent}
	}

	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:       src.Timeout,
		ProxyPool:     pool,
		UserAgents:    agents,
		Fingerprint:   profile,
		Limiter:       ratelimit.NewGroup(src.RequestsPerSecond, src.Jitter),
		RespectRobots: src.RespectRobots,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	api, err := httpclient.New(httpclient.Config{
		Timeout:   src.Timeout,
		UserAgent: src.UserAgent,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}

	// Model-backed capabilities stay nil without a key so their defaults apply.
	var (
		extractor  intent.Extractor
		summarizer enhance.Summarizer
		classifier enhance.SentimentClassifier
		relevancer enhance.Relevancer
	)
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewClient(llm.Config{
			Provider:   cfg.LLM.Provider,
			Model:      cfg.LLM.Model,
			APIKey:     cfg.LLM.APIKey,
			APIURL:     cfg.LLM.APIURL,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build llm client: %w", err)
		}
		analyst := llm.NewAnalyst(client)
		extractor, summarizer, classifier, relevancer = analyst, analyst, analyst, analyst
	}
	if cfg.Rerank.Provider != "" {
		rr, err := llm.NewReranker(llm.RerankConfig{
			Provider: cfg.Rerank.Provider,
			Model:    cfg.Rerank.Model,
			APIKey:   cfg.Rerank.APIKey,
			APIURL:   cfg.Rerank.APIURL,
			Timeout:  cfg.Rerank.Timeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build reranker: %w", err)
		}
		relevancer = rr
	}

	defRange, _ := social.ParseTimeRange(cfg.Intent.DefaultTimeRange)
	resolver := intent.NewResolver(extractor, intent.Config{
		Timeout:          cfg.Intent.Timeout,
		DefaultTimeRange: defRange,
		Logger:           logger,
	})

	// One limiter per platform.
	adapterCfg := func() source.Config {
		return source.Config{
			Timeout:          src.Timeout,
			Limiter:          ratelimit.NewLimiter(src.RequestsPerSecond, src.Jitter),
			BreakerThreshold: src.BreakerThreshold,
			BreakerDelay:     src.BreakerDelay,
			Logger:           logger,
		}
	}
	var serper serp.Provider
	if cfg.Serper.APIKey != "" {
		serper = serp.NewSerper(api, cfg.Serper.APIKey, cfg.Serper.APIURL)
	}
	sources := []source.ContentSource{
		reddit.New(reddit.Config{
			SearchURL:    cfg.Reddit.SearchURL,
			PushshiftURL: cfg.Reddit.PushshiftURL,
			ScrapeURL:    cfg.Reddit.ScrapeURL,
			Client:       api,
			Fetcher:      fetcher,
			Adapter:      adapterCfg(),
		}),
		twitter.New(twitter.Config{
			APIURL:      cfg.Twitter.APIURL,
			BearerToken: cfg.Twitter.BearerToken,
			NitterURL:   cfg.Twitter.NitterURL,
			Client:      api,
			Serper:      serper,
			Web:         serp.NewDuckDuckGo(fetcher, src.DuckDuckGoURL),
			Fetcher:     fetcher,
			Adapter:     adapterCfg(),
		}),
	}
	orch := aggregate.New(resolver, aggregate.Config{
		PerSourceLimit: src.PerSourceLimit,
		Logger:         logger,
	}, sources...)

	enh := enhance.New(summarizer, classifier, relevancer, enhance.Config{
		MinContentLength: cfg.Enhance.MinContentLength,
		MinWords:         cfg.Enhance.MinWords,
		Concurrency:      cfg.Enhance.Concurrency,
		MaxResults:       cfg.Enhance.MaxResults,
		CallTimeout:      cfg.Enhance.CallTimeout,
		Logger:           logger,
	})

	a := &app{logger: logger}
	if cfg.Cache.Enabled {
		if a.store, err = openStore(ctx, cfg.Cache); err != nil {
			return nil, err
		}
		a.cache = cache.New(cache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
			Store:         a.store,
			Logger:        logger,
		})
	}
	a.pipeline = pipeline.New(orch, enh, pipeline.Config{
		Deadline: cfg.Pipeline.Deadline,
		Cache:    a.cache,
		Logger:   logger,
	})

	logger.Debug("echo wired",
		"llm", cfg.LLM.APIKey != "",
		"rerank", cfg.Rerank.Provider,
		"serper", serper != nil,
		"proxies", len(src.Proxies),
		"cache", cfg.Cache.Backend,
	)
	return a, nil
}

// Close stops the cache sweep and releases the store.
func (a *app) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close cache store", "err", err)
		}
	}
}

// openStore opens the persistent cache tier. The memory backend has none and
// returns a nil store.
func openStore(ctx context.Context, cfg config.CacheConfig) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch cfg.Backend {
	case "", "memory":
		return nil, nil
	case "sqlite":
		s, err = sqlite.New(cfg.DSN)
	case "postgres":
		s, err = postgres.New(ctx, cfg.DSN)
	case "redis":
		s, err = redisstore.New(ctx, cfg.DSN)
	default:
		return nil, config.ErrInvalidBackend
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache store: %w", cfg.Backend, err)
	}
	return s, nil
}
