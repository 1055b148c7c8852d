// Package importer loads user-supplied scripture files into the local store.
// Import files arrive in several tolerated shapes; every accepted shape is
// probed explicitly and anything unrecognized fails closed.
package importer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/scripture"
	"github.com/versevoice/platform/internal/store"
)

// Report summarizes one import run.
type Report struct {
	ChaptersWritten int      `json:"chaptersWritten"`
	SkippedBooks    []string `json:"skippedBooks,omitempty"`
}

// rawBook is one book entry after shape detection. Chapters stays raw until
// chapter-form normalization.
type rawBook struct {
	Name     string          `json:"name"`
	Book     string          `json:"book"`
	Chapters json.RawMessage `json:"chapters"`
}

func (b rawBook) name() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Book
}

// Import decodes data and upserts every recognized chapter. Zero recognized
// chapters is an error.
func Import(ctx context.Context, st store.Store, data []byte) (Report, error) {
	books, err := decodeBooks(data)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, rb := range books {
		book, ok := scripture.ResolveBook(rb.name())
		if !ok {
			slog.Warn("import: unrecognized book name", "name", rb.name())
			report.SkippedBooks = append(report.SkippedBooks, rb.name())
			continue
		}

		chapters, err := decodeChapters(rb.Chapters)
		if err != nil {
			slog.Warn("import: unusable chapters", "book", book.Key, "error", err)
			continue
		}

		for number, verses := range chapters {
			if len(verses) == 0 {
				continue
			}
			value, err := json.Marshal(verses)
			if err != nil {
				return report, err
			}
			if err := st.Set(ctx, scripture.StoreKey(book.CUVName, number), value); err != nil {
				return report, err
			}
			report.ChaptersWritten++
		}
	}

	if report.ChaptersWritten == 0 {
		return report, apperr.New(apperr.CodeEmptyResult, "no chapters recognized in import file")
	}
	return report, nil
}

// decodeBooks probes the accepted top-level shapes in order: bare book
// array, {"books": [...]}, {"data": [...]}, single book object.
func decodeBooks(data []byte) ([]rawBook, error) {
	var arr []rawBook
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		return arr, nil
	}

	var wrapped struct {
		Books []rawBook `json:"books"`
		Data  []rawBook `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if len(wrapped.Books) > 0 {
			return wrapped.Books, nil
		}
		if len(wrapped.Data) > 0 {
			return wrapped.Data, nil
		}
	}

	var single rawBook
	if err := json.Unmarshal(data, &single); err == nil && single.name() != "" && len(single.Chapters) > 0 {
		return []rawBook{single}, nil
	}

	return nil, apperr.New(apperr.CodeParse, "unrecognized import file shape")
}

// decodeChapters normalizes the accepted chapter forms into a map from
// chapter number to verses. Accepted forms: array of chapters (each a string
// array or verse-object array) and keyed object {"1": [...], "2": [...]}.
func decodeChapters(raw json.RawMessage) (map[int][]scripture.Verse, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.CodeParse, "book has no chapters")
	}

	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		chapters := make(map[int][]scripture.Verse, len(asArray))
		for i, ch := range asArray {
			verses, err := decodeVerses(ch)
			if err != nil {
				return nil, err
			}
			chapters[i+1] = verses
		}
		return chapters, nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		chapters := make(map[int][]scripture.Verse, len(asMap))
		for key, ch := range asMap {
			number, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil || number <= 0 {
				return nil, apperr.Newf(apperr.CodeParse, "bad chapter key %q", key)
			}
			verses, err := decodeVerses(ch)
			if err != nil {
				return nil, err
			}
			chapters[number] = verses
		}
		return chapters, nil
	}

	return nil, apperr.New(apperr.CodeParse, "unrecognized chapters shape")
}

// verseObject tolerates both "verse" and "number" for the verse number.
type verseObject struct {
	Verse  *int   `json:"verse"`
	Number *int   `json:"number"`
	Text   string `json:"text"`
}

// decodeVerses normalizes one chapter: array of strings (verse numbers are
// positional, 1-based) or array of verse objects.
func decodeVerses(raw json.RawMessage) ([]scripture.Verse, error) {
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		verses := make([]scripture.Verse, 0, len(asStrings))
		for i, text := range asStrings {
			if text = strings.TrimSpace(text); text == "" {
				continue
			}
			verses = append(verses, scripture.Verse{Number: i + 1, Text: text})
		}
		return verses, nil
	}

	var asObjects []verseObject
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		verses := make([]scripture.Verse, 0, len(asObjects))
		for i, obj := range asObjects {
			number := i + 1
			if obj.Verse != nil {
				number = *obj.Verse
			} else if obj.Number != nil {
				number = *obj.Number
			}
			text := strings.TrimSpace(obj.Text)
			if number <= 0 || text == "" {
				continue
			}
			verses = append(verses, scripture.Verse{Number: number, Text: text})
		}
		sort.Slice(verses, func(a, b int) bool { return verses[a].Number < verses[b].Number })
		return verses, nil
	}

	return nil, apperr.New(apperr.CodeParse, "unrecognized verse shape")
}
