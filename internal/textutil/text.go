// Package textutil holds the text heuristics shared by intent resolution,
// source adapters and the enhancement pipeline.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxKeywords caps how many keywords a query contributes to a search.
const MaxKeywords = 5

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {}, "they": {},
	"what": {}, "who": {}, "how": {}, "why": {}, "when": {}, "where": {}, "which": {}, "about": {},
	"people": {}, "saying": {}, "say": {}, "think": {}, "thinking": {}, "find": {}, "show": {},
	"me": {}, "my": {}, "any": {}, "some": {}, "from": {}, "latest": {}, "recent": {}, "posts": {},
	"reddit": {}, "twitter": {}, "tweets": {}, "tweet": {}, "subreddit": {}, "x": {},
}

// IsStopword reports whether w carries no search value on its own.
func IsStopword(w string) bool {
	_, ok := stopwords[strings.ToLower(w)]
	return ok
}

// Normalize lowercases s and collapses every whitespace run into one space.
// It is the key used for near-duplicate detection.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokens splits s into lowercase words, trimming surrounding punctuation.
// Subreddit mentions ("r/golang") are kept intact.
func Tokens(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '/' && r != '+' && r != '#'
		}))
		f = strings.TrimRight(f, "/")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Keywords returns the search-worthy words of s in order of appearance:
// stopwords and words of two characters or fewer are dropped, duplicates are
// removed and at most MaxKeywords are kept.
func Keywords(s string) []string {
	return FilterKeywords(Tokens(s))
}

// FilterKeywords applies the keyword rules to an existing list, such as one
// proposed by a language model.
func FilterKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, MaxKeywords)
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		lower := strings.ToLower(kw)
		if utf8.RuneCountInString(kw) <= 2 || IsStopword(lower) || strings.HasPrefix(lower, "r/") {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, kw)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

// MeaningfulWords counts words that are not links, mentions or hashtags.
func MeaningfulWords(s string) int {
	n := 0
	for _, w := range strings.Fields(s) {
		if strings.HasPrefix(w, "http") || strings.HasPrefix(w, "@") || strings.HasPrefix(w, "#") {
			continue
		}
		if strings.IndexFunc(w, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
			continue
		}
		n++
	}
	return n
}

// IsPlaceholder reports bodies that sources substitute for removed content.
func IsPlaceholder(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "[removed]", "[deleted]", "[removed by reddit]", "this tweet is unavailable", "this post was deleted":
		return true
	}
	return false
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
