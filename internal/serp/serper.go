package serp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/FranksOps/echo/pkg/httpclient"
)

// DefaultSerperURL is the Serper Google search endpoint.
const DefaultSerperURL = "https://google.serper.dev/search"

var _ Provider = (*Serper)(nil)

// Serper queries Google through the serper.dev API.
type Serper struct {
	client *httpclient.Client
	apiKey string
	apiURL string
}

// NewSerper returns a Serper provider. An empty apiURL uses DefaultSerperURL.
func NewSerper(client *httpclient.Client, apiKey, apiURL string) *Serper {
	if apiURL == "" {
		apiURL = DefaultSerperURL
	}
	return &Serper{client: client, apiKey: apiKey, apiURL: apiURL}
}

func (s *Serper) Name() string { return "serper" }

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
	GL  string `json:"gl"`
	HL  string `json:"hl"`
	TBS string `json:"tbs,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Date     string `json:"date"`
		Position int    `json:"position"`
	} `json:"organic"`
}

// Search runs req against Serper.
func (s *Serper) Search(ctx context.Context, req Request) ([]Result, error) {
	if s.apiKey == "" {
		return nil, errors.New("serp: serper api key not configured")
	}
	body := serperRequest{Q: req.Query, Num: req.Limit, GL: "us", HL: "en"}
	if w := window(req.Within); w != "" {
		body.TBS = "qdr:" + w
	}

	header := http.Header{}
	header.Set("X-API-KEY", s.apiKey)

	var resp serperResponse
	if err := s.client.PostJSON(ctx, s.apiURL, header, body, &resp); err != nil {
		return nil, fmt.Errorf("serp: serper: %w", err)
	}

	out := make([]Result, 0, len(resp.Organic))
	for i, o := range resp.Organic {
		if o.Link == "" {
			continue
		}
		pos := o.Position
		if pos == 0 {
			pos = i + 1
		}
		out = append(out, Result{Title: o.Title, Snippet: o.Snippet, URL: o.Link, Date: o.Date, Position: pos})
	}
	return out, nil
}
