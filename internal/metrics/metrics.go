package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_source_requests_total",
			Help: "Content source strategy calls by outcome",
		},
		[]string{"source", "strategy", "outcome"},
	)

	SourceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_source_duration_seconds",
			Help:    "Duration of content source strategy calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source", "strategy"},
	)

	SourcePostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_source_posts_total",
			Help: "Posts returned by content sources after validation",
		},
		[]string{"source"},
	)

	IntentResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_intent_resolutions_total",
			Help: "Query intent resolutions by mode (model or heuristic)",
		},
		[]string{"mode"},
	)

	EnhancementDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_enhancement_degraded_total",
			Help: "Enhancement calls that fell back to a default value",
		},
		[]string{"capability"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_cache_requests_total",
			Help: "Results cache lookups by result",
		},
		[]string{"tier", "result"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_queries_total",
			Help: "Processed queries by terminal outcome",
		},
		[]string{"outcome"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echo_query_duration_seconds",
			Help:    "End-to-end query processing time in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	ScrapeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_scrape_requests_total",
			Help: "HTML scrape requests by status and detected bot wall",
		},
		[]string{"domain", "status", "blocked_by"},
	)

	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_scrape_duration_seconds",
			Help:    "Duration of scrape requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"domain"},
	)

	ScrapeBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_scrape_bytes_total",
			Help: "Total bytes downloaded by scrapes",
		},
		[]string{"domain"},
	)

	ProxyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_proxy_failures_total",
			Help: "Total number of proxy failures during scrapes",
		},
		[]string{"proxy"},
	)
)

// RecordSource updates the metrics for one strategy call.
func RecordSource(source, strategy, outcome string, d time.Duration) {
	SourceRequestsTotal.WithLabelValues(source, strategy, outcome).Inc()
	SourceDuration.WithLabelValues(source, strategy).Observe(d.Seconds())
}

// RecordScrape updates the metrics for one scraped page. A zero status
// means the request never produced a response.
func RecordScrape(domain string, status int, blockedBy string, d time.Duration, bytes int) {
	statusStr := "error"
	if status > 0 {
		statusStr = strconv.Itoa(status)
	}
	ScrapeRequestsTotal.WithLabelValues(domain, statusStr, blockedBy).Inc()
	ScrapeDuration.WithLabelValues(domain).Observe(d.Seconds())
	ScrapeBytesTotal.WithLabelValues(domain).Add(float64(bytes))
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
