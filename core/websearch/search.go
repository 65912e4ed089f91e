// Package websearch queries a configured web-search backend on behalf of the
// web_search capability.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/suizoe-cosine/huaer/core/config"
	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrAllQueriesFailed = errors.New("every search query failed")
	ErrBadStatus        = errors.New("search backend returned non-success status")
)

// =============================================================================
// Types
// =============================================================================

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Backend runs a single query.
type Backend interface {
	Name() string
	Query(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// =============================================================================
// Backends
// =============================================================================

// TavilyBackend speaks the keyed web-search API returning {results:[...]}.
type TavilyBackend struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (b *TavilyBackend) Name() string { return "tavily" }

func (b *TavilyBackend) Query(ctx context.Context, query string, maxResults int) ([]Result, error) {
	payload := map[string]any{
		"query":       query,
		"max_results": maxResults,
	}
	var resp struct {
		Results []Result `json:"results"`
	}
	header := http.Header{"Authorization": {"Bearer " + b.APIKey}}
	if err := postJSON(ctx, b.Client, b.URL, header, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ReferencesBackend speaks the hosted references API returning
// {references:[...]}.
type ReferencesBackend struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (b *ReferencesBackend) Name() string { return "references" }

func (b *ReferencesBackend) Query(ctx context.Context, query string, maxResults int) ([]Result, error) {
	payload := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": query}},
		"resource_type_filter": []map[string]any{
			{"type": "web", "top_k": maxResults},
		},
	}
	var resp struct {
		References []Result `json:"references"`
	}
	header := http.Header{"Authorization": {b.APIKey}}
	if err := postJSON(ctx, b.Client, b.URL, header, payload, &resp); err != nil {
		return nil, err
	}
	return resp.References, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, "search", fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: %d %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 {
			return coreerrors.Wrap(coreerrors.KindTransient, "search", err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// =============================================================================
// Searcher
// =============================================================================

// Searcher fans queries out to a backend and caches per-query results.
type Searcher struct {
	backend Backend
	cache   *ristretto.Cache
	ttl     time.Duration
	retry   coreerrors.RetryPolicy
	logger  *slog.Logger
}

// NewSearcher selects the backend from cfg. A nil backend means search is not
// configured and every Search returns nil.
func NewSearcher(cfg config.SearchConfig, logger *slog.Logger) (*Searcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Searcher{ttl: cfg.CacheTTL, retry: cfg.Retry, logger: logger}
	if cfg.APIKey == "" {
		return s, nil
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.URL != "" {
		s.backend = &ReferencesBackend{URL: cfg.URL, APIKey: cfg.APIKey, Client: client}
	} else {
		s.backend = &TavilyBackend{URL: cfg.TavilyURL, APIKey: cfg.APIKey, Client: client}
	}

	if cfg.CacheEntries > 0 && cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheEntries * 10,
			MaxCost:     cfg.CacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create search cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// NewSearcherWithBackend wires an explicit backend, without caching or
// retries.
func NewSearcherWithBackend(b Backend, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{backend: b, logger: logger}
}

// Available reports whether a backend is configured.
func (s *Searcher) Available() bool {
	return s != nil && s.backend != nil
}

// Search runs every query concurrently and concatenates the hits in query
// order. It returns nil when no backend is configured or queries is empty.
// Failed queries are logged and skipped; an error is returned only when all
// of them failed.
func (s *Searcher) Search(ctx context.Context, queries []string, maxResults int) ([]Result, error) {
	if !s.Available() {
		s.logger.Warn("web search requested but no search key is configured")
		return nil, nil
	}
	if len(queries) == 0 {
		return nil, nil
	}

	perQuery := make([][]Result, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			hits, err := s.query(ctx, q, maxResults)
			if err != nil {
				s.logger.Error("search query failed", "backend", s.backend.Name(), "query", q, "error", err)
				errs[i] = err
				return nil
			}
			perQuery[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var results []Result
	for i := range queries {
		if errs[i] != nil {
			failed++
			continue
		}
		results = append(results, perQuery[i]...)
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("%w: %w", ErrAllQueriesFailed, errors.Join(errs...))
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

func (s *Searcher) query(ctx context.Context, q string, maxResults int) ([]Result, error) {
	key := s.backend.Name() + "\x00" + strconv.Itoa(maxResults) + "\x00" + q
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.([]Result), nil
		}
	}

	var hits []Result
	err := coreerrors.Retry(ctx, s.retry, func() error {
		var err error
		hits, err = s.backend.Query(ctx, q, maxResults)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetWithTTL(key, hits, 1, s.ttl)
	}
	return hits, nil
}

// Close releases the result cache.
func (s *Searcher) Close() {
	if s != nil && s.cache != nil {
		s.cache.Close()
	}
}
