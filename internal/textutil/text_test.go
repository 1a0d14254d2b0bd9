package textutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello big world", Normalize("  Hello\t BIG\n\nworld "))
	assert.Equal(t, Normalize("Go is GREAT"), Normalize("go   is great"))
}

func TestKeywords(t *testing.T) {
	got := Keywords("What are people saying about the new iPhone battery life on reddit?")
	assert.Equal(t, []string{"new", "iphone", "battery", "life"}, got)

	got = Keywords("one two three four five six seven eight")
	assert.Len(t, got, MaxKeywords)

	assert.Empty(t, Keywords("is it ok?"))
}

func TestFilterKeywordsDropsDuplicatesAndSubreddits(t *testing.T) {
	got := FilterKeywords([]string{"Rust", "rust", "r/rust", "of", "async"})
	assert.Equal(t, []string{"Rust", "async"}, got)
}

func TestTokensKeepsSubredditMentions(t *testing.T) {
	assert.Contains(t, Tokens("anything good in r/golang/ today?"), "r/golang")
}

func TestMeaningfulWords(t *testing.T) {
	assert.Equal(t, 3, MeaningfulWords("great read today https://t.co/x @bob #golang ---"))
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(" [Removed] "))
	assert.False(t, IsPlaceholder("removed my old config and it worked"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	got := Truncate(strings.Repeat("a", 20), 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestMatchingSentences(t *testing.T) {
	content := "Battery life is bad.\n\nThe screen is fine! Battery drains at night? Otherwise ok"
	got := MatchingSentences(content, []string{"battery"}, 0)
	assert.Equal(t, []string{"Battery life is bad.", "Battery drains at night?"}, got)

	got = MatchingSentences(content, []string{"battery"}, 1)
	assert.Len(t, got, 1)
}

func TestMentions(t *testing.T) {
	assert.Equal(t, 2, Mentions("Rust async runtimes compared", []string{"rust", "ASYNC", "tokio"}))
}

func BenchmarkMatchingSentences(b *testing.B) {
	content := strings.Repeat("Heat exchanger systems require careful attention. Proper maintenance extends life! ", 200)
	keywords := []string{"heat", "maintenance", "corrosion"}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		MatchingSentences(content, keywords, 0)
	}
}
