// Package persona saves, loads and switches the persona of a context together
// with its dialogue memory and retrieval store.
package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/suizoe-cosine/huaer/core/retrieval"
	"github.com/suizoe-cosine/huaer/core/session"
	"github.com/suizoe-cosine/huaer/core/storage"
)

var (
	ErrInvalidName     = errors.New("invalid persona name")
	ErrPersonaExists   = errors.New("persona already exists")
	ErrPersonaNotFound = errors.New("persona not found")
	ErrPersonaCorrupt  = errors.New("persona record is corrupt")
)

// Scope selects where a record lives: next to the context, or shared by all
// contexts under the public directory.
type Scope int

const (
	ScopePrivate Scope = iota
	ScopePublic
)

// ParseScope accepts "private" and "public".
func ParseScope(s string) (Scope, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return ScopePrivate, true
	case "public":
		return ScopePublic, true
	}
	return 0, false
}

func (s Scope) String() string {
	if s == ScopePublic {
		return "public"
	}
	return "private"
}

// Record is a saved persona with the memory it had when saved.
type Record struct {
	Name        string            `json:"name"`
	Personality string            `json:"personality"`
	Memory      []session.Message `json:"memory"`
}

// Listing names the records visible to a context.
type Listing struct {
	Private []string
	Public  []string
}

func (l Listing) Empty() bool {
	return len(l.Private) == 0 && len(l.Public) == 0
}

// Stores opens retrieval stores by directory. *retrieval.Pool satisfies it.
type Stores interface {
	With(ctx context.Context, dir string, fn func(*retrieval.Store) error) error
}

type Manager struct {
	layout storage.Layout
	stores Stores
	logger *slog.Logger
}

func NewManager(layout storage.Layout, stores Stores, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{layout: layout, stores: stores, logger: logger}
}

// ValidateName rejects names that would escape the record directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

func (m *Manager) paths(st *session.State, name string, scope Scope) (file, retrievalDir string) {
	key := st.Key().String()
	public := scope == ScopePublic
	return m.layout.PersonaFile(key, public, name), m.layout.PersonaRetrievalDir(key, public, name)
}

func lock(ctx context.Context, st *session.State) (func(), error) {
	return st.LockTurn(ctx)
}

// Switch replaces the persona text and starts from an empty memory on the
// context's base store. Text over the token limit is rejected untouched.
func (m *Manager) Switch(ctx context.Context, st *session.State, text string) error {
	unlock, err := lock(ctx, st)
	if err != nil {
		return err
	}
	defer unlock()

	if err := st.SetPersona(text); err != nil {
		return err
	}
	st.ClearHistory()
	st.SetRetrievalDir(m.layout.BaseRetrievalDir(st.Key().String()))
	m.logger.Info("persona switched", "context", st.Key())

	if !st.Flags().EnableRetrieval {
		return nil
	}
	return m.stores.With(ctx, st.RetrievalDir(), func(s *retrieval.Store) error {
		return s.Clear(ctx)
	})
}

// Save writes the current persona and memory as a new record and moves the
// context onto the record's store. An existing record is never overwritten.
func (m *Manager) Save(ctx context.Context, st *session.State, name string, scope Scope) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	unlock, err := lock(ctx, st)
	if err != nil {
		return err
	}
	defer unlock()

	file, retrievalDir := m.paths(st, name, scope)
	if storage.Exists(file) {
		return fmt.Errorf("%w: %s (%s)", ErrPersonaExists, name, scope)
	}

	data, err := json.MarshalIndent(Record{
		Name:        name,
		Personality: st.Persona(),
		Memory:      append([]session.Message{}, st.History()...),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode persona %s: %w", name, err)
	}
	if err := storage.WriteFileAtomic(file, data); err != nil {
		return fmt.Errorf("save persona %s: %w", name, err)
	}
	if err := storage.EnsureDir(retrievalDir, 0); err != nil {
		return fmt.Errorf("create persona store %s: %w", name, err)
	}

	if st.Flags().EnableRetrieval {
		if err := m.copyDocuments(ctx, st.RetrievalDir(), retrievalDir); err != nil {
			return fmt.Errorf("copy documents to persona %s: %w", name, err)
		}
	}
	st.SetRetrievalDir(retrievalDir)
	m.logger.Info("persona saved", "context", st.Key(), "name", name, "scope", scope)
	return nil
}

func (m *Manager) copyDocuments(ctx context.Context, from, to string) error {
	var docs []string
	err := m.stores.With(ctx, from, func(s *retrieval.Store) error {
		var err error
		docs, err = s.Documents(ctx)
		return err
	})
	if err != nil {
		return err
	}
	return m.stores.With(ctx, to, func(s *retrieval.Store) error {
		if len(docs) > 0 {
			if _, err := s.Index(ctx, docs); err != nil {
				return err
			}
		}
		return s.Save(ctx)
	})
}

type storedRecord struct {
	Personality *string           `json:"personality"`
	Memory      []session.Message `json:"memory"`
}

// Load replaces the persona and memory with a saved record and moves the
// context onto the record's store.
func (m *Manager) Load(ctx context.Context, st *session.State, name string, scope Scope) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	unlock, err := lock(ctx, st)
	if err != nil {
		return err
	}
	defer unlock()

	file, retrievalDir := m.paths(st, name, scope)
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s (%s)", ErrPersonaNotFound, name, scope)
	}
	if err != nil {
		return fmt.Errorf("read persona %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrPersonaCorrupt, name)
	}
	var rec storedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersonaCorrupt, name, err)
	}
	if rec.Personality == nil {
		return fmt.Errorf("%w: %s has no personality", ErrPersonaCorrupt, name)
	}

	if err := st.SetPersona(*rec.Personality); err != nil {
		return err
	}
	st.ReplaceHistory(rec.Memory)
	st.SetRetrievalDir(retrievalDir)
	m.logger.Info("persona loaded", "context", st.Key(), "name", name, "scope", scope)

	if st.Flags().EnableRetrieval {
		err := m.stores.With(ctx, retrievalDir, func(*retrieval.Store) error { return nil })
		if err != nil {
			m.logger.Warn("open persona store", "context", st.Key(), "dir", retrievalDir, "error", err)
		}
	}
	return nil
}

// List returns the record names visible to st in both scopes.
func (m *Manager) List(st *session.State) (Listing, error) {
	key := st.Key().String()
	private, err := names(m.layout.PersonaRoot(key, false))
	if err != nil {
		return Listing{}, err
	}
	public, err := names(m.layout.PersonaRoot(key, true))
	if err != nil {
		return Listing{}, err
	}
	return Listing{Private: private, Public: public}, nil
}

func names(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list personas in %s: %w", root, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if name, ok := storage.PersonaName(e.Name()); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
