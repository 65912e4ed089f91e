package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPoolSize = 64

// Pool keeps recently used stores open. Evicted stores are closed; a caller
// racing an eviction sees ErrStoreClosed and With retries on a fresh handle.
type Pool struct {
	mu     sync.Mutex
	stores *lru.Cache[string, *Store]
	logger *slog.Logger
}

func NewPool(size int, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{logger: logger}
	cache, err := lru.NewWithEvict(size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create store pool: %w", err)
	}
	p.stores = cache
	return p, nil
}

func (p *Pool) onEvict(dir string, s *Store) {
	if err := s.Close(); err != nil {
		p.logger.Warn("close evicted retrieval store", "dir", dir, "error", err)
	}
}

// Get returns the open store for dir, opening it on first use.
func (p *Pool) Get(dir string) (*Store, error) {
	dir = filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores.Get(dir); ok {
		return s, nil
	}
	s, err := Open(dir)
	if err != nil {
		return nil, err
	}
	p.stores.Add(dir, s)
	return s, nil
}

// With runs fn against the store for dir, retrying once if the handle was
// closed by an eviction in between.
func (p *Pool) With(ctx context.Context, dir string, fn func(*Store) error) error {
	for attempt := 0; ; attempt++ {
		s, err := p.Get(dir)
		if err != nil {
			return err
		}
		err = fn(s)
		if !errors.Is(err, ErrStoreClosed) || attempt > 0 {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.Evict(dir)
	}
}

// Evict closes and forgets the store for dir.
func (p *Pool) Evict(dir string) {
	dir = filepath.Clean(dir)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores.Remove(dir)
}

// Len returns the number of open stores.
func (p *Pool) Len() int {
	return p.stores.Len()
}

// Close closes every open store.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores.Purge()
}
