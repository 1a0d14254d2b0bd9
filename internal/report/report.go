// Package report renders the outcome of a query for people and for
// spreadsheets.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/stream"
	"github.com/FranksOps/echo/internal/textutil"
)

// Result is everything a finished query produced.
type Result struct {
	QueryID         string                 `json:"query_id"`
	Intent          *stream.IntentResolved `json:"intent,omitempty"`
	Sources         []stream.SourceResults `json:"sources"`
	Posts           []*social.Post         `json:"posts"`
	TotalCandidates int                    `json:"total_candidates"`
	Cached          bool                   `json:"cached"`
	NoResults       bool                   `json:"no_results"`
	Error           *stream.Error          `json:"error,omitempty"`
}

// Collector is a stream.Sink that accumulates events into a Result.
type Collector struct {
	mu     sync.Mutex
	result Result
}

var _ stream.Sink = (*Collector)(nil)

func (c *Collector) Emit(_ context.Context, ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.QueryID = ev.QueryID
	switch d := ev.Data.(type) {
	case stream.IntentResolved:
		c.result.Intent = &d
	case stream.SourceResults:
		c.result.Sources = append(c.result.Sources, d)
	case stream.FinalResults:
		c.result.Posts = d.Posts
		c.result.TotalCandidates = d.TotalCandidates
	case stream.Complete:
		c.result.Cached = d.Cached
		c.result.NoResults = d.NoResults
	case stream.Error:
		c.result.Error = &d
	}
	return nil
}

// Result returns what has been collected so far.
func (c *Collector) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Summary aggregates a result by source and sentiment.
type Summary struct {
	TotalPosts      int
	TotalCandidates int
	BySource        map[social.Source]int
	BySentiment     map[social.Sentiment]int
	FailedSources   []string
	AvgRelevance    float64
	Oldest          time.Time
	Newest          time.Time
}

// GenerateSummary tallies the posts of r.
func GenerateSummary(r Result) Summary {
	s := Summary{
		TotalPosts:      len(r.Posts),
		TotalCandidates: r.TotalCandidates,
		BySource:        make(map[social.Source]int),
		BySentiment:     make(map[social.Sentiment]int),
	}
	for _, src := range r.Sources {
		if src.Failed {
			s.FailedSources = append(s.FailedSources, string(src.Source))
		}
	}
	if len(r.Posts) == 0 {
		return s
	}

	s.Oldest = r.Posts[0].CreatedAt
	s.Newest = r.Posts[0].CreatedAt
	var relevance float64
	for _, p := range r.Posts {
		s.BySource[p.Source]++
		if e, ok := p.Enhancement(); ok {
			s.BySentiment[e.Sentiment]++
			relevance += e.RelevanceScore
		}
		if p.CreatedAt.Before(s.Oldest) {
			s.Oldest = p.CreatedAt
		}
		if p.CreatedAt.After(s.Newest) {
			s.Newest = p.CreatedAt
		}
	}
	s.AvgRelevance = relevance / float64(len(r.Posts))
	return s
}

// WriteJSON writes the result as indented JSON.
func WriteJSON(w io.Writer, r Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"rank", "source", "id", "author", "created_at", "url",
	"engagement", "relevance", "sentiment", "summary", "content",
}

// WriteCSV writes one row per post in ranked order.
func WriteCSV(w io.Writer, r Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for i, p := range r.Posts {
		e, _ := p.Enhancement()
		row := []string{
			strconv.Itoa(i + 1),
			string(p.Source),
			p.ID,
			p.Author,
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.URL,
			strconv.FormatFloat(p.EngagementScore, 'f', -1, 64),
			strconv.FormatFloat(e.RelevanceScore, 'f', 2, 64),
			string(e.Sentiment),
			e.Summary,
			p.Content,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type view struct {
	Result
	Summary Summary
	Items   []item
}

type item struct {
	Rank       int
	Source     social.Source
	Author     string
	When       string
	URL        string
	Engagement float64
	Summary    string
	Sentiment  social.Sentiment
	Relevance  float64
	Excerpt    string
}

func newView(r Result) view {
	v := view{Result: r, Summary: GenerateSummary(r)}
	var keywords []string
	if r.Intent != nil {
		keywords = r.Intent.Keywords
	}
	for i, p := range r.Posts {
		e, _ := p.Enhancement()
		summary := e.Summary
		if summary == "" {
			summary = p.Content
		}
		when := p.CreatedAt.UTC().Format("2006-01-02 15:04")
		if p.ApproximateTime {
			when = "~" + when
		}
		v.Items = append(v.Items, item{
			Rank:       i + 1,
			Source:     p.Source,
			Author:     p.Author,
			When:       when,
			URL:        p.URL,
			Engagement: p.EngagementScore,
			Summary:    oneLine(textutil.Truncate(summary, 280)),
			Sentiment:  e.Sentiment,
			Relevance:  e.RelevanceScore,
			Excerpt:    excerpt(p.Content, keywords),
		})
	}
	return v
}

// excerpt prefers the sentences that mention a keyword.
func excerpt(content string, keywords []string) string {
	if matched := textutil.MatchingSentences(content, keywords, 2); len(matched) > 0 {
		content = strings.Join(matched, " ")
	}
	return oneLine(textutil.Truncate(content, 200))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var funcs = template.FuncMap{
	"join": func(items []string, sep string) string { return strings.Join(items, sep) },
	"pct":  func(f float64) string { return strconv.Itoa(int(f*100+0.5)) + "%" },
}

const textTmpl = `{{if .Error}}Query failed ({{.Error.Kind}}): {{.Error.Message}}
{{else if .NoResults}}No posts matched this query.
{{else}}{{.Summary.TotalPosts}} posts from {{.Summary.TotalCandidates}} candidates{{if .Cached}} (cached){{end}}
{{- with .Intent}}
Keywords:  {{join .Keywords ", "}}
Range:     {{.TimeRange}}{{if .Degraded}} (fallback intent){{end}}
{{- end}}
{{- range $src, $n := .Summary.BySource}}
  {{$src}}: {{$n}}
{{- end}}
{{- if .Summary.FailedSources}}
Unavailable: {{join .Summary.FailedSources ", "}}
{{- end}}
{{range .Items}}
[{{.Rank}}] {{.Source}} · {{.Author}} · {{.When}}
    {{.Summary}}
    sentiment={{.Sentiment}} relevance={{pct .Relevance}} engagement={{.Engagement}}
{{- if .URL}}
    {{.URL}}
{{- end}}
{{end}}{{end}}`

const markdownTmpl = `{{if .Error}}**Query failed** ({{.Error.Kind}}): {{.Error.Message}}
{{else if .NoResults}}_No posts matched this query._
{{else}}## {{.Summary.TotalPosts}} posts{{with .Intent}} about {{join .Keywords " "}}{{end}}

| Source | Posts |
|---|---|
{{- range $src, $n := .Summary.BySource}}
| {{$src}} | {{$n}} |
{{- end}}
{{range .Items}}
### {{.Rank}}. {{.Source}} · {{.Author}}

{{.Summary}}

> {{.Excerpt}}

_{{.Sentiment}} · relevance {{pct .Relevance}} · engagement {{.Engagement}} · {{.When}}_{{if .URL}} · [link]({{.URL}}){{end}}
{{end}}{{end}}`

var (
	textTemplate     = template.Must(template.New("text").Funcs(funcs).Parse(textTmpl))
	markdownTemplate = template.Must(template.New("markdown").Funcs(funcs).Parse(markdownTmpl))
)

// WriteText writes a plain-text digest.
func WriteText(w io.Writer, r Result) error {
	if err := textTemplate.Execute(w, newView(r)); err != nil {
		return fmt.Errorf("report: render text: %w", err)
	}
	return nil
}

// WriteMarkdown writes a markdown digest suitable for a chat client.
func WriteMarkdown(w io.Writer, r Result) error {
	if err := markdownTemplate.Execute(w, newView(r)); err != nil {
		return fmt.Errorf("report: render markdown: %w", err)
	}
	return nil
}

// Format names an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
)

// Write renders r in the named format.
func Write(w io.Writer, f Format, r Result) error {
	switch f {
	case FormatText, "":
		return WriteText(w, r)
	case FormatMarkdown, "md":
		return WriteMarkdown(w, r)
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatCSV:
		return WriteCSV(w, r)
	}
	return fmt.Errorf("report: unknown format %q", f)
}
