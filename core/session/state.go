// Package session holds the per-context conversation state and its durable
// form.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suizoe-cosine/huaer/core/config"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidKey      = errors.New("invalid context key")
	ErrPersonaTooLong  = errors.New("persona exceeds the token limit")
	ErrMemoryFull      = errors.New("memory is full")
	ErrMemoryEmpty     = errors.New("memory is empty")
	ErrRecallExhausted = errors.New("recall budget exhausted")
	ErrInvalidModel    = errors.New("model index out of range")
)

// =============================================================================
// Types
// =============================================================================

// Flags are the independently toggleable features of a context.
type Flags struct {
	ShowReasoning      bool `json:"tkc"`
	StoreSearchResults bool `json:"ssin"`
	StoreAllTurns      bool `json:"allin"`
	EnableSearch       bool `json:"search"`
	EnableRetrieval    bool `json:"rag"`
}

// Limits are the numeric bounds of a context.
type Limits struct {
	RetentionDepth int
	MaxTokens      int
	MaxRecall      int
	Cooldown       time.Duration
}

// State is the mutable state of one conversation context. Data accessors are
// safe for concurrent use; LockTurn serializes whole turns and lifecycle
// operations on the context.
type State struct {
	key  Key
	turn chan struct{}

	mu            sync.Mutex
	history       []Message
	persona       string
	modelIndex    int
	flags         Flags
	verbose       bool
	limits        Limits
	cooldownUntil time.Time
	recallBudget  int
	retrievalDir  string
}

// NewState builds a context from configured defaults.
func NewState(key Key, d config.Defaults, retrievalDir string) *State {
	return &State{
		key:        key,
		turn:       make(chan struct{}, 1),
		persona:    d.Persona,
		modelIndex: d.ModelIndex,
		flags: Flags{
			ShowReasoning:      d.ShowReasoning,
			StoreSearchResults: d.StoreSearchResults,
			StoreAllTurns:      d.StoreAllTurns,
			EnableSearch:       d.EnableSearch,
			EnableRetrieval:    d.EnableRetrieval,
		},
		verbose: d.Verbose,
		limits: Limits{
			RetentionDepth: d.RetentionDepth,
			MaxTokens:      d.MaxTokens,
			MaxRecall:      d.EffectiveMaxRecall(),
			Cooldown:       d.Cooldown,
		},
		recallBudget: d.EffectiveMaxRecall(),
		retrievalDir: retrievalDir,
	}
}

func (s *State) Key() Key { return s.key }

// LockTurn blocks until the caller holds the turn lock of this context or
// ctx is done.
func (s *State) LockTurn(ctx context.Context) (unlock func(), err error) {
	select {
	case s.turn <- struct{}{}:
		return func() { <-s.turn }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// History
// =============================================================================

// History returns a copy of the dialogue history.
func (s *State) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Append adds a message without trimming.
func (s *State) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// Trim evicts the oldest messages until the history fits the retention depth.
func (s *State) Trim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked()
}

func (s *State) trimLocked() {
	if over := len(s.history) - s.limits.RetentionDepth; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
}

// Snapshot captures the history for a later Restore.
func (s *State) Snapshot() []Message {
	return s.History()
}

// Restore puts back a history captured by Snapshot.
func (s *State) Restore(snapshot []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = slices.Clone(snapshot)
}

// ReplaceHistory swaps the whole history, trimmed to the retention depth.
func (s *State) ReplaceHistory(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = slices.Clone(msgs)
	s.trimLocked()
}

func (s *State) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// AddMemory appends a hand-written message. It is refused once the history
// holds RetentionDepth messages.
func (s *State) AddMemory(role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= s.limits.RetentionDepth {
		return ErrMemoryFull
	}
	s.history = append(s.history, NewMessage(role, "", content, time.Time{}))
	return nil
}

// Recall removes the last exchange. Non-privileged callers spend one unit of
// the recall budget and are refused when it is exhausted.
func (s *State) Recall(privileged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return ErrMemoryEmpty
	}
	if !privileged && s.recallBudget <= 0 {
		return ErrRecallExhausted
	}
	s.history = s.history[:max(0, len(s.history)-2)]
	if s.recallBudget > 0 {
		s.recallBudget--
	}
	return nil
}

// RecallBudget returns the remaining recall units.
func (s *State) RecallBudget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recallBudget
}

// Replenish restores one recall unit, capped at MaxRecall.
func (s *State) Replenish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recallBudget = min(s.recallBudget+1, s.limits.MaxRecall)
}

// =============================================================================
// Persona, model and flags
// =============================================================================

func (s *State) Persona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// SetPersona replaces the persona text. Text longer than MaxTokens runes is
// rejected without mutation.
func (s *State) SetPersona(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if utf8.RuneCountInString(text) > s.limits.MaxTokens {
		return ErrPersonaTooLong
	}
	s.persona = text
	return nil
}

func (s *State) ModelIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelIndex
}

// SetModelIndex selects a model from a catalog of size n.
func (s *State) SetModelIndex(i, n int) error {
	if i < 0 || i >= n {
		return ErrInvalidModel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelIndex = i
	return nil
}

func (s *State) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// UpdateFlags applies fn to the flags under the state lock.
func (s *State) UpdateFlags(fn func(*Flags)) Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.flags)
	return s.flags
}

func (s *State) Verbose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verbose
}

func (s *State) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// SetRetentionDepth changes the history bound and trims to it.
func (s *State) SetRetentionDepth(rd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits.RetentionDepth = max(0, rd)
	s.trimLocked()
}

// =============================================================================
// Cooldown
// =============================================================================

// CooldownRemaining returns how long non-privileged callers must still wait.
func (s *State) CooldownRemaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.cooldownUntil) {
		return s.cooldownUntil.Sub(now)
	}
	return 0
}

// StartCooldown opens a new cooldown window at now.
func (s *State) StartCooldown(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil = now.Add(s.limits.Cooldown)
}

// CooldownUntil returns the end of the current cooldown window.
func (s *State) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrievalDir is the location of the retrieval store backing this context.
func (s *State) RetrievalDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrievalDir
}

// SetRetrievalDir repoints the retrieval store without touching the history.
func (s *State) SetRetrievalDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrievalDir = dir
}
