package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/suizoe-cosine/huaer/core/config"
	"github.com/suizoe-cosine/huaer/core/storage"
)

var ErrStateNotFound = errors.New("context state not found")

// =============================================================================
// Durable form
// =============================================================================

// Blob is the durable JSON form of a context.
type Blob struct {
	RetentionDepth int  `json:"rd"`
	Verbose        bool `json:"prt"`
	ModelIndex     int  `json:"mod"`
	Flags
	Memory       []Message `json:"memory"`
	Cooldown     float64   `json:"cooldown"`
	RetrievalDir string    `json:"rag_file"`
	MaxTokens    int       `json:"max_token"`
	MaxRecall    int       `json:"max_recall"`
	Persona      string    `json:"default_personality"`
}

// DefaultBlob is the blob a context starts from; keys absent from a stored
// blob keep these values.
func DefaultBlob(d config.Defaults, retrievalDir string) Blob {
	return NewState("", d, retrievalDir).Blob()
}

// Blob captures the durable fields of the state.
func (s *State) Blob() Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Blob{
		RetentionDepth: s.limits.RetentionDepth,
		Verbose:        s.verbose,
		ModelIndex:     s.modelIndex,
		Flags:          s.flags,
		Memory:         append([]Message{}, s.history...),
		Cooldown:       s.limits.Cooldown.Seconds(),
		RetrievalDir:   s.retrievalDir,
		MaxTokens:      s.limits.MaxTokens,
		MaxRecall:      s.limits.MaxRecall,
		Persona:        s.persona,
	}
}

// ApplyBlob overwrites the durable fields of the state. Runtime counters are
// reset: the cooldown window closes and the recall budget refills.
func (s *State) ApplyBlob(b Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = Limits{
		RetentionDepth: max(0, b.RetentionDepth),
		MaxTokens:      b.MaxTokens,
		MaxRecall:      max(0, b.MaxRecall),
		Cooldown:       time.Duration(b.Cooldown * float64(time.Second)),
	}
	s.verbose = b.Verbose
	s.modelIndex = b.ModelIndex
	s.flags = b.Flags
	s.history = slices.Clone(b.Memory)
	s.retrievalDir = b.RetrievalDir
	s.persona = b.Persona
	s.cooldownUntil = time.Time{}
	s.recallBudget = s.limits.MaxRecall
	s.trimLocked()
}

// CopySettingsFrom copies every durable field of src except the retrieval
// location.
func (s *State) CopySettingsFrom(src *State) {
	b := src.Blob()
	b.RetrievalDir = s.RetrievalDir()
	s.ApplyBlob(b)
}

// =============================================================================
// File Persister
// =============================================================================

// FilePersister stores context blobs under a storage.Layout.
type FilePersister struct {
	mu       sync.Mutex
	layout   storage.Layout
	defaults config.Defaults
}

func NewFilePersister(layout storage.Layout, defaults config.Defaults) *FilePersister {
	return &FilePersister{layout: layout, defaults: defaults}
}

// Save writes the state atomically.
func (p *FilePersister) Save(st *State) error {
	data, err := json.MarshalIndent(st.Blob(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode context %s: %w", st.Key(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := storage.WriteFileAtomic(p.layout.ConfigFile(string(st.Key())), data); err != nil {
		return fmt.Errorf("save context %s: %w", st.Key(), err)
	}
	return nil
}

// Load reads a stored context. Keys absent from the file keep their
// defaults. A missing file returns ErrStateNotFound.
func (p *FilePersister) Load(key Key) (*State, error) {
	st := NewState(key, p.defaults, p.layout.BaseRetrievalDir(string(key)))
	if err := p.LoadInto(st); err != nil {
		return nil, err
	}
	return st, nil
}

// LoadInto overwrites st with its stored blob.
func (p *FilePersister) LoadInto(st *State) error {
	p.mu.Lock()
	data, err := os.ReadFile(p.layout.ConfigFile(string(st.Key())))
	p.mu.Unlock()
	if os.IsNotExist(err) {
		return ErrStateNotFound
	}
	if err != nil {
		return fmt.Errorf("read context %s: %w", st.Key(), err)
	}

	b := DefaultBlob(p.defaults, p.layout.BaseRetrievalDir(string(st.Key())))
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode context %s: %w", st.Key(), err)
	}
	st.ApplyBlob(b)
	return nil
}

// LoadOrCreate loads a stored context, or creates one from defaults and
// saves it immediately when none exists.
func (p *FilePersister) LoadOrCreate(key Key) (st *State, created bool, err error) {
	st, err = p.Load(key)
	if err == nil {
		return st, false, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return nil, false, err
	}

	st = NewState(key, p.defaults, p.layout.BaseRetrievalDir(string(key)))
	if err := p.Save(st); err != nil {
		return nil, false, err
	}
	return st, true, nil
}
