package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Query length bounds, in runes after cleaning.
const (
	MinQueryLength = 3
	MaxQueryLength = 1000
)

// maxSymbolRatio caps the share of runes that are neither letters, digits
// nor spaces.
const maxSymbolRatio = 0.3

var markupTag = regexp.MustCompile(`<[^>]*>`)

// CleanQuery strips markup and control characters from raw, collapses its
// whitespace and checks what is left. The returned error wraps
// ErrInvalidQuery and reads well enough to show to the user.
func CleanQuery(raw string) (string, error) {
	q := markupTag.ReplaceAllString(raw, " ")
	q = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}
		return r
	}, q)
	q = strings.Join(strings.Fields(q), " ")

	n := utf8.RuneCountInString(q)
	switch {
	case n == 0:
		return "", fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	case n < MinQueryLength:
		return "", fmt.Errorf("%w: query is too short (min %d characters)", ErrInvalidQuery, MinQueryLength)
	case n > MaxQueryLength:
		return "", fmt.Errorf("%w: query is too long (max %d characters)", ErrInvalidQuery, MaxQueryLength)
	}

	symbols := 0
	for _, r := range q {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	if float64(symbols) > float64(n)*maxSymbolRatio {
		return "", fmt.Errorf("%w: query has too many special characters", ErrInvalidQuery)
	}
	return q, nil
}

// invalidReason is the user-facing part of a CleanQuery error.
func invalidReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidQuery.Error()+": ")
}
