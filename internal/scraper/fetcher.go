// Package scraper fetches HTML pages for the scraping fallbacks, with a
// browser TLS fingerprint, proxy rotation, per-host pacing, robots.txt
// enforcement and bot-wall detection.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/echo/internal/bypass"
	"github.com/FranksOps/echo/internal/fingerprint"
	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/pkg/httpclient"
	"github.com/FranksOps/echo/pkg/proxy"
	"github.com/FranksOps/echo/pkg/ratelimit"
	"github.com/PuerkitoBio/goquery"
)

const maxPageBytes = 4 << 20

var (
	// ErrBlocked is returned when the response is a bot wall or challenge.
	ErrBlocked = errors.New("scraper: blocked by bot protection")
	// ErrDisallowed is returned when robots.txt forbids the URL.
	ErrDisallowed = errors.New("scraper: disallowed by robots.txt")
)

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	ProxyPool    *proxy.Pool
	UserAgents   []string
	Fingerprint  fingerprint.Profile
	// Limiter paces requests per host. Nil disables pacing.
	Limiter *ratelimit.Group
	// RespectRobots consults robots.txt before every fetch.
	RespectRobots bool
	// RobotsAgent is the agent name matched against robots.txt groups.
	RobotsAgent string
	Detectors   []bypass.Detector
	// InsecureSkipVerify disables certificate checks. Tests only.
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// Page is one fetched document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	FetchedAt  time.Time
	// BlockedBy names the detected bot protection, if any.
	BlockedBy string
}

// Fetcher performs single page fetches. One Fetcher holds one client, so a
// configured cookie jar persists for its lifetime.
type Fetcher struct {
	config FetchConfig
	client *httpclient.Client
	robots *RobotsTxtAuditor
	logger *slog.Logger
}

// NewFetcher initializes a Fetcher with the given configuration.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.RobotsAgent == "" {
		cfg.RobotsAgent = "echo"
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The proxy for each request travels on its context so one transport
	// (and its connection pool) serves every proxy.
	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{
		Proxy:              proxy.FromRequest,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("scraper: transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
		UserAgents:   cfg.UserAgents,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scraper: client: %w", err)
	}

	f := &Fetcher{config: cfg, client: client, logger: cfg.Logger}
	f.robots = NewRobotsTxtAuditor(f, cfg.Logger)
	return f, nil
}

// Fetch GETs targetURL. The returned Page is non-nil whenever a response was
// received, including when the error is ErrBlocked or a *httpclient.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("scraper: invalid url %q", targetURL)
	}

	if f.config.RespectRobots {
		allowed, err := f.robots.IsAllowed(ctx, targetURL, f.config.RobotsAgent)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrDisallowed, targetURL)
		}
	}

	page, err := f.fetch(ctx, u)
	if err != nil {
		return page, err
	}

	if detected, src := bypass.Analyze(bypass.Page{StatusCode: page.StatusCode, Header: page.Header, Body: page.Body}, f.config.Detectors); detected {
		page.BlockedBy = src
	}
	metrics.RecordScrape(u.Host, page.StatusCode, page.BlockedBy, page.Duration, len(page.Body))

	if page.BlockedBy != "" {
		return page, fmt.Errorf("%w: %s", ErrBlocked, page.BlockedBy)
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return page, &httpclient.StatusError{StatusCode: page.StatusCode, URL: targetURL}
	}
	return page, nil
}

// Document fetches targetURL and parses it as HTML.
func (f *Fetcher) Document(ctx context.Context, targetURL string) (*goquery.Document, error) {
	page, err := f.Fetch(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("scraper: parse %s: %w", targetURL, err)
	}
	return doc, nil
}

// fetch performs the request without robots or detection checks.
func (f *Fetcher) fetch(ctx context.Context, u *url.URL) (*Page, error) {
	if f.config.Limiter != nil {
		if err := f.config.Limiter.Wait(ctx, u.Host); err != nil {
			return nil, fmt.Errorf("scraper: rate limiter: %w", err)
		}
	}

	start := time.Now()

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		if activeProxy = f.config.ProxyPool.Next(); activeProxy != nil {
			ctx = proxy.WithURL(ctx, activeProxy)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("scraper: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.Report(activeProxy, err)
			metrics.ProxyFailuresTotal.WithLabelValues(activeProxy.Redacted()).Inc()
		}
		metrics.RecordScrape(u.Host, 0, "", time.Since(start), 0)
		return nil, fmt.Errorf("scraper: request %s: %w", u, err)
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.Report(activeProxy, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	page := &Page{
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
		FetchedAt:  start.UTC(),
	}
	if err != nil {
		return page, fmt.Errorf("scraper: read body: %w", err)
	}
	return page, nil
}
