// Package server exposes the query pipeline over HTTP as a server-sent
// event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FranksOps/echo/internal/pipeline"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/stream"
	"github.com/FranksOps/echo/pkg/ratelimit"
)

// DefaultRequestsPerMinute is the per-client query budget.
const DefaultRequestsPerMinute = 60

// Runner executes one query against a sink.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, sink stream.Sink) error
}

var _ Runner = (*pipeline.Pipeline)(nil)

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// RequestsPerMinute caps queries per client IP, with a burst of one
	// minute's budget. Zero means DefaultRequestsPerMinute; negative
	// disables the limit.
	RequestsPerMinute int
	// Debug enables gin's debug mode.
	Debug  bool
	Logger *slog.Logger
}

// Server owns the router and the listening http.Server.
type Server struct {
	runner Runner
	// clients is nil when rate limiting is off.
	clients *ratelimit.Group
	burst   int
	router  *gin.Engine
	srv     *http.Server
	logger  *slog.Logger
	drain   time.Duration
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query     string        `json:"query"`
	Filters   FilterRequest `json:"filters"`
	SessionID string        `json:"session_id"`
}

// FilterRequest carries optional overrides as plain strings.
type FilterRequest struct {
	Platforms     []string `json:"platforms"`
	TimeRange     string   `json:"time_range"`
	MinEngagement *float64 `json:"min_engagement"`
	Sentiment     string   `json:"sentiment"`
}

// Filters validates f and converts it.
func (f FilterRequest) Filters() (social.Filters, error) {
	var out social.Filters
	var errs []error
	for _, p := range f.Platforms {
		src, err := social.ParseSource(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Platforms = append(out.Platforms, src)
	}
	if f.TimeRange != "" {
		tr, ok := social.ParseTimeRange(f.TimeRange)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown time range %q", f.TimeRange))
		}
		out.TimeRange = tr
	}
	if f.MinEngagement != nil {
		if *f.MinEngagement < 0 {
			errs = append(errs, errors.New("min_engagement must not be negative"))
		}
		out.MinEngagement = f.MinEngagement
	}
	if f.Sentiment != "" && f.Sentiment != "any" {
		s, ok := social.ParseSentiment(f.Sentiment)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown sentiment %q", f.Sentiment))
		}
		out.Sentiment = &s
	}
	return out, errors.Join(errs...)
}

// New builds the router.
func New(runner Runner, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{runner: runner, logger: cfg.Logger, drain: cfg.ShutdownTimeout}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.RequestsPerMinute > 0 {
		s.clients = ratelimit.NewGroup(float64(cfg.RequestsPerMinute)/60, 0)
		s.burst = cfg.RequestsPerMinute
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/query", s.rateLimit(), s.handleQuery)

	s.router = r
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx ends, then drains in-flight streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	if s.clients != nil {
		go s.pruneClients(ctx)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filters, err := req.Filters.Filters()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sink, err := stream.NewSSESink(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)

	// The outcome has already been streamed as the terminal event.
	_ = s.runner.Run(c.Request.Context(), pipeline.Request{
		Query:     req.Query,
		Filters:   filters,
		SessionID: req.SessionID,
	}, sink)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.clients != nil && !s.clients.Allow(c.ClientIP(), s.burst) {
			s.logger.Warn("client rate limited", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, try again later"})
			return
		}
		c.Next()
	}
}

func (s *Server) pruneClients(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.clients.Prune(); n > 0 {
				s.logger.Debug("pruned idle client limiters", "count", n)
			}
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
