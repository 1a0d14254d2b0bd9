package social

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrAlreadyEnhanced is returned when a post's derived fields are set twice.
var ErrAlreadyEnhanced = errors.New("social: post already enhanced")

// UnknownAuthor is used when a source does not report who wrote a post.
const UnknownAuthor = "unknown"

// Source identifies the platform a post was retrieved from.
type Source string

const (
	SourceReddit  Source = "reddit"
	SourceTwitter Source = "twitter"
)

// AllSources lists every supported platform in invocation order.
func AllSources() []Source {
	return []Source{SourceReddit, SourceTwitter}
}

// ParseSource maps user input onto a Source. "x" is accepted for Twitter.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reddit":
		return SourceReddit, nil
	case "twitter", "x":
		return SourceTwitter, nil
	}
	return "", fmt.Errorf("social: unknown source %q", s)
}

// Sentiment is the coarse tone label attached during enhancement.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// ParseSentiment accepts a label in any case, surrounded by whitespace or
// trailing punctuation. Unknown labels report false.
func ParseSentiment(s string) (Sentiment, bool) {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!\"'"))
	switch Sentiment(s) {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return Sentiment(s), true
	}
	return "", false
}

// Enhancement holds the fields derived from a post after retrieval.
type Enhancement struct {
	Summary        string
	Sentiment      Sentiment
	RelevanceScore float64
}

// Post is a single piece of retrieved content normalised across sources.
// Everything except the enhancement is fixed once an adapter builds it.
type Post struct {
	ID              string
	Source          Source
	Content         string
	Author          string
	CreatedAt       time.Time
	URL             string
	EngagementScore float64
	Metadata        map[string]any

	// ApproximateTime is set when CreatedAt was substituted with fetch time.
	ApproximateTime bool
	// Removed is set when the source marked the body as removed or deleted.
	Removed bool

	mu          sync.RWMutex
	enhancement *Enhancement
}

// Key is the (source, id) identity used for deduplication.
func (p *Post) Key() string {
	return string(p.Source) + ":" + p.ID
}

// Enhance records the derived fields. It may be called once.
func (p *Post) Enhance(e Enhancement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enhancement != nil {
		return ErrAlreadyEnhanced
	}
	if e.RelevanceScore < 0 {
		e.RelevanceScore = 0
	}
	if e.RelevanceScore > 1 {
		e.RelevanceScore = 1
	}
	p.enhancement = &e
	return nil
}

// Enhancement returns the derived fields and whether they have been set.
func (p *Post) Enhancement() (Enhancement, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.enhancement == nil {
		return Enhancement{}, false
	}
	return *p.enhancement, true
}

// Clone returns a deep copy including any enhancement.
func (p *Post) Clone() *Post {
	c := &Post{
		ID:              p.ID,
		Source:          p.Source,
		Content:         p.Content,
		Author:          p.Author,
		CreatedAt:       p.CreatedAt,
		URL:             p.URL,
		EngagementScore: p.EngagementScore,
		ApproximateTime: p.ApproximateTime,
		Removed:         p.Removed,
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	if e, ok := p.Enhancement(); ok {
		c.enhancement = &e
	}
	return c
}

type postJSON struct {
	ID              string         `json:"id"`
	Source          Source         `json:"source"`
	Content         string         `json:"content"`
	Author          string         `json:"author"`
	CreatedAt       time.Time      `json:"created_at"`
	URL             string         `json:"url,omitempty"`
	EngagementScore float64        `json:"engagement_score"`
	ApproximateTime bool           `json:"approximate_time,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Summary         *string        `json:"summary,omitempty"`
	Sentiment       *Sentiment     `json:"sentiment,omitempty"`
	RelevanceScore  *float64       `json:"relevance_score,omitempty"`
}

// MarshalJSON emits the wire form; derived fields appear only once set.
func (p *Post) MarshalJSON() ([]byte, error) {
	out := postJSON{
		ID:              p.ID,
		Source:          p.Source,
		Content:         p.Content,
		Author:          p.Author,
		CreatedAt:       p.CreatedAt,
		URL:             p.URL,
		EngagementScore: p.EngagementScore,
		ApproximateTime: p.ApproximateTime,
		Metadata:        p.Metadata,
	}
	if e, ok := p.Enhancement(); ok {
		out.Summary = &e.Summary
		out.Sentiment = &e.Sentiment
		out.RelevanceScore = &e.RelevanceScore
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a post, including its enhancement when present.
func (p *Post) UnmarshalJSON(data []byte) error {
	var in postJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("social: decode post: %w", err)
	}
	p.ID = in.ID
	p.Source = in.Source
	p.Content = in.Content
	p.Author = in.Author
	p.CreatedAt = in.CreatedAt
	p.URL = in.URL
	p.EngagementScore = in.EngagementScore
	p.ApproximateTime = in.ApproximateTime
	p.Metadata = in.Metadata
	if in.Sentiment != nil || in.RelevanceScore != nil || in.Summary != nil {
		e := Enhancement{Sentiment: SentimentNeutral}
		if in.Summary != nil {
			e.Summary = *in.Summary
		}
		if in.Sentiment != nil {
			e.Sentiment = *in.Sentiment
		}
		if in.RelevanceScore != nil {
			e.RelevanceScore = *in.RelevanceScore
		}
		p.enhancement = &e
	}
	return nil
}
