// Package parse extracts structured verse and search records from loosely
// formatted model output. Generative responses arrive wrapped in prose,
// markdown fences, or with broken numeric literals; recovery strategies are
// tried in a fixed order and the first that yields records wins.
package parse

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/versevoice/platform/internal/apperr"
)

// excerptLen bounds the diagnostic slice of unparseable input.
const excerptLen = 160

// Verse is one extracted verse with its number already normalized to an
// integer. Entries with a non-numeric number or empty text are dropped
// during extraction, not surfaced.
type Verse struct {
	Number int    `json:"verse"`
	Text   string `json:"text"`
}

// Result is one extracted search hit.
type Result struct {
	Book    string `json:"book"`
	Chapter int    `json:"chapter"`
	Verse   int    `json:"verse"`
	Text    string `json:"text"`
}

type chapterDoc struct {
	Verses []rawVerse `json:"verses"`
}

type rawVerse struct {
	Verse json.Number `json:"verse"`
	Text  string      `json:"text"`
}

type resultsDoc struct {
	Results []rawResult `json:"results"`
}

type rawResult struct {
	Book    string      `json:"book"`
	Chapter json.Number `json:"chapter"`
	Verse   json.Number `json:"verse"`
	Text    string      `json:"text"`
}

// Chapter extracts a verse list from raw model output.
func Chapter(raw string) ([]Verse, error) {
	var doc chapterDoc
	if err := decodeObject(raw, &doc); err == nil {
		if verses := normalizeVerses(doc.Verses); len(verses) > 0 {
			return verses, nil
		}
	}

	// Bare array form: the model returned the verse list without its wrapper.
	if span := outermostSpan(raw, '[', ']'); span != "" {
		var arr []rawVerse
		if err := decodeLoose(span, &arr); err == nil {
			if verses := normalizeVerses(arr); len(verses) > 0 {
				return verses, nil
			}
		}
	}

	if verses := extractVersePairs(raw); len(verses) > 0 {
		return verses, nil
	}

	return nil, parseError(raw)
}

// Results extracts search hits from raw model output.
func Results(raw string) ([]Result, error) {
	var doc resultsDoc
	if err := decodeObject(raw, &doc); err == nil {
		if results := normalizeResults(doc.Results); len(results) > 0 {
			return results, nil
		}
	}

	if span := outermostSpan(raw, '[', ']'); span != "" {
		var arr []rawResult
		if err := decodeLoose(span, &arr); err == nil {
			if results := normalizeResults(arr); len(results) > 0 {
				return results, nil
			}
		}
	}

	return nil, parseError(raw)
}

// decodeObject runs the object-level recovery ladder: sanitize and parse
// directly, then with fences stripped, then the outermost {...} span with a
// repair pass.
func decodeObject(raw string, v any) error {
	clean := sanitizeNumbers(raw)

	if err := decodeLoose(clean, v); err == nil {
		return nil
	}

	stripped := stripFences(clean)
	if stripped != clean {
		if err := decodeLoose(stripped, v); err == nil {
			return nil
		}
	}

	if span := outermostSpan(clean, '{', '}'); span != "" {
		return decodeLoose(span, v)
	}
	return parseError(raw)
}

// decodeLoose unmarshals with a jsonrepair retry on syntax errors, which
// covers trailing commas and unquoted keys.
func decodeLoose(data string, v any) error {
	err := unmarshalNumbers(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(data)
		if rerr != nil {
			return err
		}
		return unmarshalNumbers(fixed, v)
	}
	return err
}

// unmarshalNumbers decodes with json.Number so float-like verse numbers
// survive until normalization.
func unmarshalNumbers(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// integerArtifact matches integer fields rendered with repeating-decimal
// tails, e.g. "verse": 1.00000000009.
var integerArtifact = regexp.MustCompile(`("(?:verse|chapter)"\s*:\s*\d+)\.\d+`)

func sanitizeNumbers(raw string) string {
	return integerArtifact.ReplaceAllString(raw, "$1")
}

var fence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func stripFences(raw string) string {
	if m := fence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

// outermostSpan returns the substring from the first open delimiter to the
// last close delimiter, or "" when no such span exists.
func outermostSpan(raw string, open, shut byte) string {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, shut)
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// versePair is the last-resort extraction for verse mode: individual
// {"verse": N, "text": "..."} records fished out of otherwise broken output.
var versePair = regexp.MustCompile(`"verse"\s*:\s*([0-9.]+)\s*,\s*"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func extractVersePairs(raw string) []Verse {
	matches := versePair.FindAllStringSubmatch(raw, -1)
	verses := make([]Verse, 0, len(matches))
	for _, m := range matches {
		n, ok := toInt(json.Number(m[1]))
		if !ok || n <= 0 {
			continue
		}
		var text string
		if err := json.Unmarshal([]byte(`"`+m[2]+`"`), &text); err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		verses = append(verses, Verse{Number: n, Text: text})
	}
	return verses
}

func normalizeVerses(raw []rawVerse) []Verse {
	verses := make([]Verse, 0, len(raw))
	for _, rv := range raw {
		n, ok := toInt(rv.Verse)
		if !ok || n <= 0 {
			continue
		}
		text := strings.TrimSpace(rv.Text)
		if text == "" {
			continue
		}
		verses = append(verses, Verse{Number: n, Text: text})
	}
	return verses
}

func normalizeResults(raw []rawResult) []Result {
	results := make([]Result, 0, len(raw))
	for _, rr := range raw {
		chapter, ok := toInt(rr.Chapter)
		if !ok || chapter <= 0 {
			continue
		}
		verse, ok := toInt(rr.Verse)
		if !ok || verse <= 0 {
			continue
		}
		text := strings.TrimSpace(rr.Text)
		if rr.Book == "" || text == "" {
			continue
		}
		results = append(results, Result{Book: rr.Book, Chapter: chapter, Verse: verse, Text: text})
	}
	return results
}

// toInt floors float-like numbers to whole integers.
func toInt(n json.Number) (int, bool) {
	if i, err := n.Int64(); err == nil {
		return int(i), true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int(math.Floor(f)), true
}

func parseError(raw string) error {
	excerpt := strings.TrimSpace(raw)
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen] + "..."
	}
	return apperr.Newf(apperr.CodeParse, "unparseable model output: %q", excerpt)
}
