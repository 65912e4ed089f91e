// Package retrieval provides the document store backing retrieval-augmented
// replies. Each store is a Bleve index in its own directory.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
)

// IndexDirName is the Bleve index directory inside a store directory.
const IndexDirName = "index.bleve"

const (
	fieldContent   = "content"
	fieldIndexedAt = "indexed_at"
	savedAtKey     = "saved_at"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrStoreClosed indicates an operation was attempted on a closed store.
	ErrStoreClosed = errors.New("retrieval store is closed")

	// ErrNotFound indicates a document to delete is not in the store.
	ErrNotFound = errors.New("document not found")

	// ErrEmptyStore indicates a lookup against a store with no documents.
	ErrEmptyStore = errors.New("retrieval store is empty")
)

// =============================================================================
// Types
// =============================================================================

// Solution is the ranked result of one retrieval query.
type Solution struct {
	Query string   `json:"query"`
	Docs  []string `json:"docs"`
}

type document struct {
	Content   string    `json:"content"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Store is a Bleve-backed text corpus. It is safe for concurrent use.
type Store struct {
	dir    string
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// Open opens the store in dir, creating it when absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.openOrCreate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, IndexDirName)
}

// openOrCreate must be called with the write lock held or before s escapes.
func (s *Store) openOrCreate() error {
	index, err := bleve.Open(s.indexPath())
	if err == nil {
		s.index = index
		return nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return fmt.Errorf("open index %s: %w", s.indexPath(), err)
	}

	index, err = bleve.New(s.indexPath(), buildMapping())
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.indexPath(), err)
	}
	s.index = index
	return nil
}

func buildMapping() mapping.IndexMapping {
	content := bleve.NewTextFieldMapping()
	content.Analyzer = cjk.AnalyzerName

	indexedAt := bleve.NewDateTimeFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldContent, content)
	doc.AddFieldMappingsAt(fieldIndexedAt, indexedAt)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = cjk.AnalyzerName
	return m
}

// DocID derives the document ID from its content, so indexing the same text
// twice is a no-op.
func DocID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// =============================================================================
// Operations
// =============================================================================

// Index ingests contents and returns how many were new. Blank entries are
// skipped.
func (s *Store) Index(ctx context.Context, contents []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	batch := s.index.NewBatch()
	seen := make(map[string]struct{}, len(contents))
	now := time.Now().UTC()
	for _, c := range contents {
		if strings.TrimSpace(c) == "" {
			continue
		}
		id := DocID(c)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		exists, err := s.hasLocked(id)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		if err := batch.Index(id, document{Content: c, IndexedAt: now}); err != nil {
			return 0, fmt.Errorf("batch document: %w", err)
		}
	}
	if batch.Size() == 0 {
		return 0, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return batch.Size(), nil
}

func (s *Store) hasLocked(id string) (bool, error) {
	doc, err := s.index.Document(id)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return doc != nil, nil
}

// Retrieve runs one match query per entry and returns up to k documents for
// each, best first.
func (s *Store) Retrieve(ctx context.Context, queries []string, k int) ([]Solution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	count, err := s.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return nil, ErrEmptyStore
	}

	out := make([]Solution, 0, len(queries))
	for _, q := range queries {
		docs, err := s.searchLocked(ctx, q, max(1, k))
		if err != nil {
			return nil, err
		}
		out = append(out, Solution{Query: q, Docs: docs})
	}
	return out, nil
}

func (s *Store) searchLocked(ctx context.Context, q string, k int) ([]string, error) {
	query := bleve.NewMatchQuery(q)
	query.SetField(fieldContent)

	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	req.Fields = []string{fieldContent}

	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	docs := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if c, ok := hit.Fields[fieldContent].(string); ok {
			docs = append(docs, c)
		}
	}
	return docs, nil
}

// Delete removes documents by their text. When any of them is absent nothing
// is deleted and ErrNotFound is returned.
func (s *Store) Delete(ctx context.Context, contents []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	batch := s.index.NewBatch()
	for _, c := range contents {
		id := DocID(c)
		exists, err := s.hasLocked(id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %q", ErrNotFound, c)
		}
		batch.Delete(id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.index.Batch(batch)
}

// Documents returns every stored text, oldest first.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	count, err := s.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = []string{fieldContent}
	req.SortBy([]string{fieldIndexedAt, "_id"})

	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if c, ok := hit.Fields[fieldContent].(string); ok {
			docs = append(docs, c)
		}
	}
	return docs, nil
}

// Count returns the number of stored documents.
func (s *Store) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.index.DocCount()
}

// Save records a flush marker. Bleve persists batches on commit, so the
// marker is what makes the save observable.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := s.index.SetInternal([]byte(savedAtKey), stamp); err != nil {
		return fmt.Errorf("save store %s: %w", s.dir, err)
	}
	return nil
}

// SavedAt returns the time of the last Save, zero if never saved.
func (s *Store) SavedAt() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, ErrStoreClosed
	}
	raw, err := s.index.GetInternal([]byte(savedAtKey))
	if err != nil || len(raw) == 0 {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(raw))
}

// Clear drops every document by recreating the index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.index.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.RemoveAll(s.indexPath()); err != nil {
		s.closed = true
		return fmt.Errorf("remove index: %w", err)
	}
	if err := s.openOrCreate(); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// Close closes the index. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.index.Close()
	s.index = nil
	return err
}
