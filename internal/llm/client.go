// Package llm talks to OpenAI-compatible chat completion services and rerank
// APIs, and implements the intent, summary, sentiment and relevance
// capabilities on top of them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/FranksOps/echo/pkg/httpclient"
)

// Default endpoints per provider.
const (
	DefaultFireworksURL = "https://api.fireworks.ai/inference/v1"
	DefaultOpenAIURL    = "https://api.openai.com/v1"
)

// ErrEmptyCompletion is returned when the service answers without a choice.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Config selects and tunes a chat completion provider.
type Config struct {
	// Provider is "fireworks" (default), "openai" or "generic".
	Provider string
	Model    string
	APIKey   string
	// APIURL overrides the provider base URL; required for "generic".
	APIURL string
	// Timeout bounds a single HTTP attempt. Default 30s.
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions tune a single completion.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// Client is a non-streaming chat completion client.
type Client struct {
	http   *httpclient.Client
	apiURL string
	apiKey string
	model  string
	logger *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "fireworks":
		if apiURL == "" {
			apiURL = DefaultFireworksURL
		}
	case "openai":
		if apiURL == "" {
			apiURL = DefaultOpenAIURL
		}
	case "generic":
		if apiURL == "" {
			return nil, errors.New("llm: api url is required for generic provider")
		}
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc, err := httpclient.New(httpclient.Config{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return &Client{
		http:   hc,
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends messages and returns the first choice, trimmed.
func (c *Client) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req := completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	var resp completionResponse
	if err := c.http.PostJSON(ctx, c.apiURL+"/chat/completions", header, req, &resp); err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
