package serp

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/FranksOps/echo/internal/scraper"
	"github.com/PuerkitoBio/goquery"
)

// DefaultDuckDuckGoURL is the JavaScript-free DuckDuckGo results page.
const DefaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

var _ Provider = (*DuckDuckGo)(nil)

// DuckDuckGo scrapes the HTML results page. It needs no credentials and
// serves as the last-resort search fallback.
type DuckDuckGo struct {
	fetcher *scraper.Fetcher
	baseURL string
}

// NewDuckDuckGo returns a scraping provider. An empty baseURL uses
// DefaultDuckDuckGoURL.
func NewDuckDuckGo(fetcher *scraper.Fetcher, baseURL string) *DuckDuckGo {
	if baseURL == "" {
		baseURL = DefaultDuckDuckGoURL
	}
	return &DuckDuckGo{fetcher: fetcher, baseURL: baseURL}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// Search scrapes one page of results.
func (d *DuckDuckGo) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Limit < 0 {
		return nil, fmt.Errorf("serp: limit cannot be negative: %d", req.Limit)
	}
	params := url.Values{}
	params.Set("q", req.Query)
	if w := window(req.Within); w != "" {
		params.Set("df", w)
	}

	doc, err := d.fetcher.Document(ctx, d.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("serp: duckduckgo: %w", err)
	}
	return parseDuckDuckGo(doc, req.Limit), nil
}

func parseDuckDuckGo(doc *goquery.Document, limit int) []Result {
	var out []Result
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		a := s.Find("a.result__a").First()
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		link := resolveDuckDuckGoLink(href)
		if link == "" {
			return true
		}
		out = append(out, Result{
			Title:    strings.TrimSpace(a.Text()),
			Snippet:  strings.TrimSpace(s.Find(".result__snippet").First().Text()),
			URL:      link,
			Position: len(out) + 1,
		})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// resolveDuckDuckGoLink unwraps DuckDuckGo's redirect links
// ("//duckduckgo.com/l/?uddg=<target>").
func resolveDuckDuckGoLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		return u.Query().Get("uddg")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
