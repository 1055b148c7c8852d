// Package scripture resolves chapter text and search queries through a
// layered fallback chain: in-process cache, local store, chapter API,
// generative backend.
package scripture

import (
	"fmt"
	"strings"
	"unicode"
)

// Verse is one verse of a chapter. Immutable once returned.
type Verse struct {
	Number int    `json:"verse"`
	Text   string `json:"text"`
}

// SearchResult is one full-text search hit.
type SearchResult struct {
	BookKey  string `json:"book"`
	BookName string `json:"bookName"`
	Chapter  int    `json:"chapter"`
	Verse    int    `json:"verse"`
	Text     string `json:"text"`
}

// StoreKey is the local-store key for a chapter, keyed by display name.
func StoreKey(displayName string, chapter int) string {
	return fmt.Sprintf("%s-%d", displayName, chapter)
}

// SplitStoreKey recovers the display name and chapter from a store key.
func SplitStoreKey(key string) (displayName string, chapter int, ok bool) {
	i := strings.LastIndexByte(key, '-')
	if i <= 0 {
		return "", 0, false
	}
	var n int
	if _, err := fmt.Sscanf(key[i+1:], "%d", &n); err != nil || n <= 0 {
		return "", 0, false
	}
	return key[:i], n, true
}

// cleanVerseText strips all whitespace from verse text. Imported and
// model-produced CUV text carries stray spaces and line breaks that are
// artifacts, not content.
func cleanVerseText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// normalizeVerses cleans verse text and drops entries left empty.
func normalizeVerses(verses []Verse) []Verse {
	out := make([]Verse, 0, len(verses))
	for _, v := range verses {
		v.Text = cleanVerseText(v.Text)
		if v.Number <= 0 || v.Text == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
