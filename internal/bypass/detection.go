// Package bypass recognises bot walls and soft blocks in scraped pages so a
// scraping strategy can fail fast instead of parsing a challenge page.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Page is the part of an HTTP response the detectors inspect.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector reports whether a page is a block or challenge and who served it.
type Detector func(p Page) (detected bool, source string)

// DefaultDetectors returns the CDN-level detectors plus the ones specific to
// the social sites the scraping fallbacks visit.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectRedditBlock,
		detectNitterLimit,
	}
}

// Analyze runs the detectors in order and returns the first match.
func Analyze(p Page, detectors []Detector) (bool, string) {
	for _, d := range detectors {
		if detected, source := d(p); detected {
			return true, source
		}
	}
	return false, ""
}

func serverHeader(p Page) string {
	return strings.ToLower(p.Header.Get("Server"))
}

func detectCloudflare(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden && p.StatusCode != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(serverHeader(p), "cloudflare") {
		return true, "Cloudflare"
	}
	if bytes.Contains(p.Body, []byte("cf-browser-verification")) ||
		bytes.Contains(p.Body, []byte("cloudflare-nginx")) ||
		bytes.Contains(p.Body, []byte("cf-turnstile")) ||
		bytes.Contains(p.Body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}
	return false, ""
}

func detectAkamai(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(serverHeader(p), "akamai") {
		return true, "Akamai"
	}
	// Generic Akamai block page.
	if bytes.Contains(p.Body, []byte("Reference #")) && bytes.Contains(p.Body, []byte("Access Denied")) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(serverHeader(p), "datadome") ||
		p.Header.Get("X-DataDome") != "" || p.Header.Get("X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bytes.Contains(p.Body, []byte("geo.captcha-delivery.com")) || bytes.Contains(p.Body, []byte("datadome")) {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if p.Header.Get("X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bytes.Contains(p.Body, []byte("client.perimeterx.net")) ||
		bytes.Contains(p.Body, []byte("px-captcha")) ||
		bytes.Contains(p.Body, []byte("_pxBlock")) {
		return true, "PerimeterX"
	}
	return false, ""
}

// detectRedditBlock catches Reddit's network-policy wall, which is served
// with 403 or 429 and sometimes 200.
func detectRedditBlock(p Page) (bool, string) {
	if bytes.Contains(p.Body, []byte("whoa there, pardner")) ||
		bytes.Contains(p.Body, []byte("blocked by network security")) {
		return true, "Reddit"
	}
	if p.StatusCode == http.StatusTooManyRequests && strings.Contains(p.Header.Get("X-Ratelimit-Remaining"), "0") {
		return true, "Reddit"
	}
	return false, ""
}

// detectNitterLimit catches Nitter instances that have exhausted their
// upstream tokens; they answer 200 with an error panel instead of tweets.
func detectNitterLimit(p Page) (bool, string) {
	if bytes.Contains(p.Body, []byte("Instance has been rate limited")) ||
		bytes.Contains(p.Body, []byte("rate limited by Twitter")) {
		return true, "Nitter"
	}
	return false, ""
}
