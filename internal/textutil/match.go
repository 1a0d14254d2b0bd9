package textutil

import (
	"strings"
	"unicode"
)

// Mentions reports how many of the keywords occur in content, case-insensitively.
func Mentions(content string, keywords []string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

// MatchingSentences returns the sentences of content that mention any keyword,
// in order of appearance and at most limit of them (0 means no limit).
func MatchingSentences(content string, keywords []string, limit int) []string {
	if content == "" || len(keywords) == 0 {
		return nil
	}
	lowerKeywords := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowerKeywords = append(lowerKeywords, kw)
		}
	}

	var out []string
	for _, s := range Sentences(content) {
		ls := strings.ToLower(s)
		for _, kw := range lowerKeywords {
			if strings.Contains(ls, kw) {
				out = append(out, s)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Sentences splits text on '.', '!', '?' and newlines, keeping the delimiter.
func Sentences(text string) []string {
	if text == "" {
		return nil
	}

	estimated := len(text) / 50
	if estimated < 1 {
		estimated = 1
	}
	sentences := make([]string, 0, estimated)
	start := 0

	for i, r := range text {
		if i < start {
			continue
		}
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			end := i + 1
			for end < len(text) && unicode.IsSpace(rune(text[end])) {
				end++
			}
			if s := strings.TrimSpace(text[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
