// Package stream carries query progress and results to a consumer as an
// ordered sequence of events ending in exactly one terminal event.
package stream

import (
	"time"

	"github.com/FranksOps/echo/internal/social"
)

// Kind names an event type.
type Kind string

const (
	KindProgress       Kind = "progress"
	KindIntentResolved Kind = "intent_resolved"
	KindSourceResults  Kind = "source_results"
	KindFinalResults   Kind = "final_results"
	KindError          Kind = "error"
	KindComplete       Kind = "complete"
)

// Terminal reports whether k ends a stream.
func (k Kind) Terminal() bool {
	return k == KindError || k == KindComplete
}

// Event is one message on the stream.
type Event struct {
	ID      string    `json:"id"`
	QueryID string    `json:"query_id"`
	Seq     int       `json:"seq"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// Progress is a human-readable status update.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// IntentResolved describes the structured reading of the query.
type IntentResolved struct {
	Keywords        []string          `json:"keywords"`
	Platforms       []social.Source   `json:"platforms"`
	TimeRange       social.TimeRange  `json:"time_range"`
	SentimentFilter *social.Sentiment `json:"sentiment_filter,omitempty"`
	Subreddit       string            `json:"subreddit,omitempty"`
	MinEngagement   float64           `json:"min_engagement"`
	Degraded        bool              `json:"degraded"`
}

// NewIntentResolved builds the payload for q.
func NewIntentResolved(q social.QueryIntent) IntentResolved {
	return IntentResolved{
		Keywords:        q.Keywords,
		Platforms:       q.Platforms,
		TimeRange:       q.TimeRange,
		SentimentFilter: q.SentimentFilter,
		Subreddit:       q.Subreddit,
		MinEngagement:   q.MinEngagement,
		Degraded:        q.Degraded,
	}
}

// SourceResults reports one source's raw contribution.
type SourceResults struct {
	Source social.Source `json:"source"`
	Count  int           `json:"count"`
	Failed bool          `json:"failed"`
	Reason string        `json:"reason,omitempty"`
}

// FinalResults carries the ranked, enhanced posts.
type FinalResults struct {
	Posts           []*social.Post `json:"posts"`
	TotalCandidates int            `json:"total_candidates"`
}

// ErrorKind classifies a terminal error.
type ErrorKind string

const (
	ErrorInvalidQuery     ErrorKind = "invalid_query"
	ErrorCancelled        ErrorKind = "cancelled"
	ErrorDeadlineExceeded ErrorKind = "deadline_exceeded"
	ErrorFatal            ErrorKind = "fatal"
)

// Error is a terminal failure.
type Error struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// Complete is the terminal success event. NoResults is set when nothing
// survived; that is not an error.
type Complete struct {
	Count     int  `json:"count"`
	NoResults bool `json:"no_results"`
	Cached    bool `json:"cached"`
}
