package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// maxBodyBytes bounds how much of a response body is buffered.
const maxBodyBytes = 8 << 20

// ErrRateLimited is matched by a StatusError carrying HTTP 429.
var ErrRateLimited = errors.New("httpclient: rate limited")

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httpclient: %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("httpclient: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) match quota responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Config defines the setup for the HTTP Client.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	// Provide a custom Transport, e.g. for proxies or uTLS fingerprinting
	Transport http.RoundTripper

	// MaxRetries applies to Fetch and the JSON helpers. Zero means the
	// default of 2, negative disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// UserAgent is sent on every request. When empty, agents rotate through
	// UserAgents (or DefaultUserAgents).
	UserAgent  string
	UserAgents []string

	Logger *slog.Logger
}

// Client wraps a standard http.Client with redirect and cookie policy, a
// retry executor for transient failures, and User-Agent handling.
type Client struct {
	*http.Client
	executor  failsafe.Executor[*Response]
	agents    *UserAgentPool
	userAgent string
	logger    *slog.Logger
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New creates a new HTTP client based on the provided configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * cfg.BaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &http.Client{
		Timeout: cfg.Timeout,
	}

	if cfg.MaxRedirects >= 0 {
		limit := cfg.MaxRedirects
		if limit == 0 {
			limit = 10
		}
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("httpclient: stopped after %d redirects", limit)
			}
			return nil
		}
	} else {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("httpclient: cookie jar: %w", err)
		}
		c.Jar = jar
	}

	if cfg.Transport != nil {
		c.Transport = cfg.Transport
	}

	retry := retrypolicy.NewBuilder[*Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *Response, err error) bool {
			return Retryable(err)
		}).
		Build()

	return &Client{
		Client:    c,
		executor:  failsafe.With[*Response](retry),
		agents:    NewUserAgentPool(cfg.UserAgents),
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}, nil
}

// Retryable reports whether a failed call is worth repeating. Quota
// responses and cancellations are final; 5xx and transport errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// UserAgent returns the agent the next request will carry.
func (c *Client) UserAgent() string {
	if c.userAgent != "" {
		return c.userAgent
	}
	return c.agents.Next()
}

// Do executes a single HTTP request without retries. The provided
// context.Context controls cancellation independent of the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("httpclient: context cannot be nil")
	}

	reqWithCtx := req.Clone(ctx)
	if reqWithCtx.Header.Get("User-Agent") == "" {
		reqWithCtx.Header.Set("User-Agent", c.UserAgent())
	}

	resp, err := c.Client.Do(reqWithCtx)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	return resp, nil
}

// Fetch performs method against url, retrying transient failures, and
// returns the buffered response. Non-2xx responses become *StatusError.
func (c *Client) Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	if ctx == nil {
		return nil, errors.New("httpclient: context cannot be nil")
	}
	var (
		attempt int
		lastErr error
	)
	resp, err := c.executor.WithContext(ctx).Get(func() (*Response, error) {
		attempt++
		if attempt > 1 {
			c.logger.Debug("retrying request", "url", url, "attempt", attempt, "err", lastErr)
		}
		r, err := c.fetchOnce(ctx, method, url, header, body)
		lastErr = err
		return r, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("httpclient: %w", ctxErr)
		}
		// Report the final attempt's error rather than the retry wrapper.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) fetchOnce(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url, Body: snippet(data)}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	h := cloneHeader(header)
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	resp, err := c.Fetch(ctx, http.MethodGet, url, h, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("httpclient: decode %s: %w", url, err)
	}
	return nil
}

// PostJSON encodes in as the request body and decodes the response into out.
// A nil out discards the response body.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("httpclient: encode request: %w", err)
	}
	h := cloneHeader(header)
	h.Set("Content-Type", "application/json")
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	resp, err := c.Fetch(ctx, http.MethodPost, url, h, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("httpclient: decode %s: %w", url, err)
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
