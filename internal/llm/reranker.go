package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/FranksOps/echo/internal/textutil"
	"github.com/FranksOps/echo/pkg/httpclient"
)

// RerankConfig configures a rerank provider.
type RerankConfig struct {
	// Provider is "jina", "cohere" or "generic".
	Provider string
	Model    string
	APIKey   string
	APIURL   string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// RerankResult is the score of the document at Index.
type RerankResult struct {
	Index          int
	RelevanceScore float64
}

// Reranker scores documents against a query through a /rerank endpoint.
// It can stand in for the model-backed relevance scorer.
type Reranker struct {
	http   *httpclient.Client
	apiURL string
	apiKey string
	model  string
}

// NewReranker validates cfg and builds a Reranker.
func NewReranker(cfg RerankConfig) (*Reranker, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	model := cfg.Model
	switch provider {
	case "jina":
		if apiURL == "" {
			apiURL = "https://api.jina.ai/v1"
		}
		if model == "" {
			model = "jina-reranker-v2-base-multilingual"
		}
	case "cohere":
		if apiURL == "" {
			apiURL = "https://api.cohere.com/v2"
		}
		if model == "" {
			model = "rerank-v3.5"
		}
	case "generic":
		if apiURL == "" {
			return nil, errors.New("llm: rerank api url is required for generic provider")
		}
	case "":
		return nil, errors.New("llm: rerank provider is required")
	default:
		return nil, fmt.Errorf("llm: unknown rerank provider %q", cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	hc, err := httpclient.New(httpclient.Config{Timeout: cfg.Timeout, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return &Reranker{http: hc, apiURL: apiURL, apiKey: cfg.APIKey, model: model}, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores documents. Results are in the provider's order.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	header := http.Header{}
	if r.apiKey != "" {
		header.Set("Authorization", "Bearer "+r.apiKey)
	}

	var resp rerankResponse
	req := rerankRequest{Model: r.model, Query: query, Documents: documents}
	if err := r.http.PostJSON(ctx, r.apiURL+"/rerank", header, req, &resp); err != nil {
		return nil, fmt.Errorf("llm: rerank: %w", err)
	}

	out := make([]RerankResult, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			continue
		}
		out = append(out, RerankResult{Index: res.Index, RelevanceScore: clamp01(res.RelevanceScore)})
	}
	return out, nil
}

// ScoreRelevance scores one post against query.
func (r *Reranker) ScoreRelevance(ctx context.Context, content, query string) (float64, error) {
	results, err := r.Rerank(ctx, query, []string{textutil.Truncate(content, summaryContentLimit)})
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: rerank returned no results", ErrMalformedResponse)
	}
	return results[0].RelevanceScore, nil
}
