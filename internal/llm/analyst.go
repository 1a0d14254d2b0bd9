package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/echo/internal/intent"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/textutil"
)

// Content limits for prompts, in runes.
const (
	summaryContentLimit   = 1000
	sentimentContentLimit = 500
	relevanceContentLimit = 800
)

var (
	// ErrMalformedResponse is returned when a completion cannot be parsed.
	ErrMalformedResponse = errors.New("llm: malformed response")
)

// Completer is satisfied by Client; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)
}

var (
	_ Completer        = (*Client)(nil)
	_ intent.Extractor = (*Analyst)(nil)
)

// Analyst implements the model-backed capabilities: intent extraction,
// summarisation, sentiment classification and relevance scoring.
type Analyst struct {
	llm Completer
}

// NewAnalyst wraps a completer.
func NewAnalyst(c Completer) *Analyst {
	return &Analyst{llm: c}
}

const extractSystem = "You turn search requests into structured parameters. Reply with a single JSON object and nothing else."

const extractPrompt = `Read the request below and describe how to search social media for it.

Request: %q

Reply with JSON using these fields:
{
  "keywords": ["three to five search terms"],
  "search_reddit": true,
  "search_twitter": true,
  "subreddit": "a subreddit named in the request, or null",
  "time_range": "day | week | month | year",
  "sentiment_filter": "positive | negative | neutral | any",
  "min_engagement": 0,
  "intent": "one short sentence"
}

Search both platforms unless the request names one. Use a subreddit only when one is named.
Leave sentiment_filter as "any" unless the request asks for a particular tone.`

// ExtractIntent asks the model for a structured reading of query.
func (a *Analyst) ExtractIntent(ctx context.Context, query string) (intent.Extraction, error) {
	out, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: extractSystem},
		{Role: "user", Content: fmt.Sprintf(extractPrompt, query)},
	}, CompletionOptions{Temperature: 0.3, MaxTokens: 500})
	if err != nil {
		return intent.Extraction{}, err
	}

	raw, ok := jsonObject(out)
	if !ok {
		return intent.Extraction{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, textutil.Truncate(out, 80))
	}
	var ex intent.Extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return intent.Extraction{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return ex, nil
}

// jsonObject strips Markdown fences and returns the outermost {...} span.
func jsonObject(s string) (string, bool) {
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

const summarizeSystem = "You summarise social media posts briefly and stay on topic."

const summarizePrompt = `Someone searched for: %q

Summarise this post in one or two sentences. Say how it relates to the search and what opinion it expresses.

Post: %q`

// Summarize returns a short summary of content in the light of query.
func (a *Analyst) Summarize(ctx context.Context, content, query string) (string, error) {
	out, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: summarizeSystem},
		{Role: "user", Content: fmt.Sprintf(summarizePrompt, query, textutil.Truncate(content, summaryContentLimit))},
	}, CompletionOptions{Temperature: 0.4, MaxTokens: 150})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

const sentimentSystem = "You classify the tone of text. Answer with exactly one word."

const sentimentPrompt = `What is the overall tone of this text? Answer positive, negative or neutral.

Text: %q`

// ClassifySentiment labels content. An unrecognised answer is an error so the
// caller can count the degradation.
func (a *Analyst) ClassifySentiment(ctx context.Context, content string) (social.Sentiment, error) {
	out, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: sentimentSystem},
		{Role: "user", Content: fmt.Sprintf(sentimentPrompt, textutil.Truncate(content, sentimentContentLimit))},
	}, CompletionOptions{Temperature: 0.1, MaxTokens: 10})
	if err != nil {
		return "", err
	}
	if fields := strings.Fields(out); len(fields) > 0 {
		if s, ok := social.ParseSentiment(fields[0]); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: sentiment %q", ErrMalformedResponse, textutil.Truncate(out, 40))
}

const relevanceSystem = "You rate how relevant text is to a search. Answer with a single number."

const relevancePrompt = `Search: %q

On a scale from 0.0 (unrelated) to 1.0 (exactly on topic), how relevant is this post to the search?

Post: %q`

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?|\.\d+`)

// ScoreRelevance returns a score in [0, 1].
func (a *Analyst) ScoreRelevance(ctx context.Context, content, query string) (float64, error) {
	out, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: relevanceSystem},
		{Role: "user", Content: fmt.Sprintf(relevancePrompt, query, textutil.Truncate(content, relevanceContentLimit))},
	}, CompletionOptions{Temperature: 0.2, MaxTokens: 10})
	if err != nil {
		return 0, err
	}
	m := numberRe.FindString(out)
	if m == "" {
		return 0, fmt.Errorf("%w: relevance %q", ErrMalformedResponse, textutil.Truncate(out, 40))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: relevance %q", ErrMalformedResponse, m)
	}
	return clamp01(v), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
