package scripture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/resilience"
	"github.com/versevoice/platform/internal/scripture/parse"
	"github.com/versevoice/platform/internal/store"
	"github.com/versevoice/platform/internal/syncx"
)

const (
	// chapterAPITimeout bounds the single attempt against the chapter API.
	chapterAPITimeout = 8 * time.Second

	// searchResultCount is the fixed result budget for generative search.
	searchResultCount = 10
)

// Resolver answers chapter and search requests through layered fallback.
// First win is cached for the process lifetime and never invalidated.
type Resolver struct {
	store       store.Store
	gen         Generator
	apiBase     string // scheme://host of the chapter API
	translation string
	httpc       *http.Client
	breaker     *resilience.Breaker
	retry       resilience.RetryConfig
	cache       *syncx.RWGuard[map[string][]Verse]
}

// NewResolver wires the fallback chain. gen may be nil when no credential is
// configured; the generative rungs then fail with CredentialMissing.
func NewResolver(st store.Store, gen Generator, apiHost, translation string) *Resolver {
	return &Resolver{
		store:       st,
		gen:         gen,
		apiBase:     "https://" + apiHost,
		translation: translation,
		httpc:       &http.Client{Timeout: chapterAPITimeout},
		breaker:     resilience.New(resilience.ChapterAPIConfig()),
		retry:       resilience.GenerativeRetryConfig(),
		cache:       syncx.NewGuard(make(map[string][]Verse)),
	}
}

// GetChapter resolves one chapter: cache, local store, chapter API,
// generative fallback, in that order.
func (r *Resolver) GetChapter(ctx context.Context, book Book, chapter int) ([]Verse, error) {
	key := cacheKey(book.Key, chapter)

	var hit []Verse
	r.cache.Read(func(m map[string][]Verse) any {
		hit = m[key]
		return nil
	})
	if hit != nil {
		return hit, nil
	}

	verses, err := r.resolveChapter(ctx, book, chapter)
	if err != nil {
		return nil, err
	}

	// First successful resolution wins; a concurrent racer may have
	// populated the key already.
	r.cache.Write(func(m *map[string][]Verse) {
		if cached, ok := (*m)[key]; ok {
			verses = cached
		} else {
			(*m)[key] = verses
		}
	})
	return verses, nil
}

func (r *Resolver) resolveChapter(ctx context.Context, book Book, chapter int) ([]Verse, error) {
	if verses := r.fromStore(ctx, book, chapter); len(verses) > 0 {
		return verses, nil
	}

	verses, err := r.fromChapterAPI(ctx, book, chapter)
	if err == nil && len(verses) > 0 {
		return verses, nil
	}
	if err != nil {
		slog.Debug("chapter api miss", "book", book.Key, "chapter", chapter, "error", err)
	}

	return r.fromGenerative(ctx, book, chapter)
}

func (r *Resolver) fromStore(ctx context.Context, book Book, chapter int) []Verse {
	data, err := r.store.Get(ctx, StoreKey(book.CUVName, chapter))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Debug("store read failed", "book", book.Key, "chapter", chapter, "error", err)
		}
		return nil
	}
	var verses []Verse
	if err := json.Unmarshal(data, &verses); err != nil {
		slog.Warn("stored chapter is corrupt", "book", book.Key, "chapter", chapter, "error", err)
		return nil
	}
	return normalizeVerses(verses)
}

type chapterAPIResponse struct {
	Verses []Verse `json:"verses"`
}

func (r *Resolver) fromChapterAPI(ctx context.Context, book Book, chapter int) ([]Verse, error) {
	return resilience.ExecuteWithResult(r.breaker, func() ([]Verse, error) {
		ctx, cancel := context.WithTimeout(ctx, chapterAPITimeout)
		defer cancel()

		u := fmt.Sprintf("%s/%s+%d?translation=%s",
			r.apiBase, url.PathEscape(book.Key), chapter, url.QueryEscape(r.translation))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.httpc.Do(req)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeNetworkError, "chapter api")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, apperr.Newf(apperr.CodeNetworkError, "chapter api status %d", resp.StatusCode)
		}
		var body chapterAPIResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeParse, "chapter api body")
		}
		verses := normalizeVerses(body.Verses)
		if len(verses) == 0 {
			return nil, apperr.New(apperr.CodeEmptyResult, "chapter api returned no verses")
		}
		return verses, nil
	})
}

func (r *Resolver) fromGenerative(ctx context.Context, book Book, chapter int) ([]Verse, error) {
	if r.gen == nil {
		return nil, apperr.New(apperr.CodeCredentialMissing, "no API key configured")
	}

	prompt := fmt.Sprintf(`Return chapter %d of %s (%s) from the Chinese Union Version.
Respond with only JSON in the exact shape {"verses":[{"verse":<integer>,"text":"<verse text>"}]}.
Verse numbers must be plain integers. Verse text must contain no whitespace.`,
		chapter, book.Name, book.CUVName)

	var verses []Verse
	err := resilience.Retry(ctx, r.retry, func() error {
		raw, err := r.gen.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		parsed, err := parse.Chapter(raw)
		if err != nil {
			return err
		}
		verses = nil
		for _, v := range parsed {
			verses = append(verses, Verse{Number: v.Number, Text: v.Text})
		}
		verses = normalizeVerses(verses)
		if len(verses) == 0 {
			return apperr.New(apperr.CodeEmptyResult, "no usable verses in model output")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verses, nil
}

// Search runs a full-text query: local substring scan over every stored
// chapter first, generative fallback only when the scan comes up empty.
func (r *Resolver) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.CodeEmptyResult, "empty query")
	}

	results, err := r.searchLocal(ctx, query)
	if err != nil {
		slog.Debug("local search failed", "error", err)
	}
	if len(results) > 0 {
		return results, nil
	}
	return r.searchGenerative(ctx, query)
}

func (r *Resolver) searchLocal(ctx context.Context, query string) ([]SearchResult, error) {
	var results []SearchResult
	scanned := make(map[string]bool)

	// Chapters resolved through the API or generative fallback may exist
	// only in the cache, never in the store. Scan those first.
	r.cache.Read(func(m map[string][]Verse) any {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			bookKey, chapter, ok := splitCacheKey(key)
			if !ok {
				continue
			}
			book, ok := BookByKey(bookKey)
			if !ok {
				continue
			}
			scanned[key] = true
			results = append(results, matchVerses(book, chapter, m[key], query)...)
		}
		return nil
	})

	err := r.store.Scan(ctx, func(e store.Entry) bool {
		displayName, chapter, ok := SplitStoreKey(e.Key)
		if !ok {
			return true
		}
		book, ok := BookByCUVName(displayName)
		if !ok {
			return true
		}
		if scanned[cacheKey(book.Key, chapter)] {
			return true
		}
		var verses []Verse
		if err := json.Unmarshal(e.Value, &verses); err != nil {
			return true
		}
		results = append(results, matchVerses(book, chapter, verses, query)...)
		return true
	})
	return results, err
}

func matchVerses(book Book, chapter int, verses []Verse, query string) []SearchResult {
	var out []SearchResult
	for _, v := range verses {
		if strings.Contains(v.Text, query) {
			out = append(out, SearchResult{
				BookKey:  book.Key,
				BookName: book.CUVName,
				Chapter:  chapter,
				Verse:    v.Number,
				Text:     cleanVerseText(v.Text),
			})
		}
	}
	return out
}

func cacheKey(bookKey string, chapter int) string {
	return fmt.Sprintf("%s:%d", bookKey, chapter)
}

func splitCacheKey(key string) (string, int, bool) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 {
		return "", 0, false
	}
	chapter, err := strconv.Atoi(key[i+1:])
	if err != nil || chapter <= 0 {
		return "", 0, false
	}
	return key[:i], chapter, true
}

func (r *Resolver) searchGenerative(ctx context.Context, query string) ([]SearchResult, error) {
	if r.gen == nil {
		return nil, apperr.New(apperr.CodeCredentialMissing, "no API key configured")
	}

	prompt := fmt.Sprintf(`Find up to %d Chinese Union Version Bible verses matching: %q.
Respond with only JSON in the exact shape
{"results":[{"book":"<canonical id>","chapter":<integer>,"verse":<integer>,"text":"<verse text>"}]}.
The book field must be one of these canonical identifiers: %s.`,
		searchResultCount, query, strings.Join(bookKeys(), ", "))

	var results []SearchResult
	err := resilience.Retry(ctx, r.retry, func() error {
		raw, err := r.gen.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		parsed, err := parse.Results(raw)
		if err != nil {
			return err
		}
		results = results[:0]
		for _, p := range parsed {
			book, ok := ResolveBook(p.Book)
			if !ok {
				continue
			}
			results = append(results, SearchResult{
				BookKey:  book.Key,
				BookName: book.CUVName,
				Chapter:  p.Chapter,
				Verse:    p.Verse,
				Text:     cleanVerseText(p.Text),
			})
		}
		if len(results) == 0 {
			return apperr.New(apperr.CodeEmptyResult, "no usable search results in model output")
		}
		if len(results) > searchResultCount {
			results = results[:searchResultCount]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func bookKeys() []string {
	keys := make([]string, len(Books))
	for i, b := range Books {
		keys[i] = b.Key
	}
	return keys
}
