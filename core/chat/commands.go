package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
	"github.com/suizoe-cosine/huaer/core/retrieval"
	"github.com/suizoe-cosine/huaer/core/session"
)

// Command replies.
const (
	MsgRecalled          = "Last exchange recalled."
	MsgRecallLimit       = "Recall limit reached."
	MsgNoDialogue        = "No dialogue to recall."
	MsgMemoryAdded       = "Memory added."
	MsgMemoryFull        = "Memory is full, please clear it first."
	MsgMemoryCleared     = "Memory cleared."
	MsgMemoryEmpty       = "Memory is already empty."
	MsgRetrievalDisabled = "Retrieval is not enabled."
	MsgPrivateRetrieval  = "Retrieval cannot be enabled in private chat."
	MsgDocumentsAdded    = "Documents added."
	MsgDocumentsExist    = "Documents already exist."
	MsgDocumentsDeleted  = "Documents deleted."
	MsgDocumentMissing   = "Document does not exist."
	MsgDocumentsCleared  = "Documents cleared."
	MsgDocumentsSaved    = "Documents saved."
	MsgEnterText         = "Please enter text."
	MsgInvalidModel      = "Please enter a valid number!"
)

var digits = regexp.MustCompile(`\d+`)

// locked runs fn while holding the turn lock of st.
func locked(ctx context.Context, st *session.State, fn func() string) string {
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return coreerrors.UserMessage(coreerrors.Wrap(coreerrors.KindTransient, "lock context", err))
	}
	defer unlock()
	return fn()
}

// =============================================================================
// Memory
// =============================================================================

// Recall removes the last exchange.
func (o *Orchestrator) Recall(ctx context.Context, st *session.State, privileged bool) string {
	return locked(ctx, st, func() string {
		switch err := st.Recall(privileged); {
		case err == nil:
			if st.Verbose() {
				o.logger.Info("exchange recalled", "context", st.Key(), "dialogue", DescribeMemory(st))
			}
			return MsgRecalled
		case errors.Is(err, session.ErrRecallExhausted):
			return MsgRecallLimit
		default:
			return MsgNoDialogue
		}
	})
}

// AddMemory appends a hand-written message as the given role.
func (o *Orchestrator) AddMemory(ctx context.Context, st *session.State, role session.Role, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return MsgEnterText
	}
	return locked(ctx, st, func() string {
		if err := st.AddMemory(role, text); err != nil {
			return MsgMemoryFull
		}
		o.logger.Info("memory added", "context", st.Key(), "role", role)
		return MsgMemoryAdded
	})
}

func (o *Orchestrator) ClearMemory(ctx context.Context, st *session.State) string {
	return locked(ctx, st, func() string {
		if st.Len() == 0 {
			return MsgMemoryEmpty
		}
		st.ClearHistory()
		return MsgMemoryCleared
	})
}

// DescribeMemory renders the persona and the retained dialogue.
func DescribeMemory(st *session.State) string {
	var b strings.Builder
	rule := strings.Repeat("#", 40)
	fmt.Fprintf(&b, "\n%s\nPersona:\n%s\n\nDialogue:\n", rule, st.Persona())
	for _, m := range st.History() {
		fmt.Fprintf(&b, "[%s]:\n %s\n", strings.ToUpper(string(m.Role)), m.Render())
	}
	b.WriteString(rule)
	b.WriteString("\n")
	return b.String()
}

// =============================================================================
// Toggles
// =============================================================================

func toggleReply(on bool, what string) string {
	if on {
		return what + " enabled."
	}
	return what + " disabled."
}

func (o *Orchestrator) ToggleReasoning(st *session.State) string {
	f := st.UpdateFlags(func(f *session.Flags) { f.ShowReasoning = !f.ShowReasoning })
	return toggleReply(f.ShowReasoning, "Reasoning display")
}

func (o *Orchestrator) ToggleSearch(st *session.State) string {
	f := st.UpdateFlags(func(f *session.Flags) { f.EnableSearch = !f.EnableSearch })
	return toggleReply(f.EnableSearch, "Web search")
}

func (o *Orchestrator) ToggleStoreSearchResults(st *session.State) string {
	f := st.UpdateFlags(func(f *session.Flags) { f.StoreSearchResults = !f.StoreSearchResults })
	return toggleReply(f.StoreSearchResults, "Storing search results")
}

func (o *Orchestrator) ToggleStoreAllTurns(st *session.State) string {
	f := st.UpdateFlags(func(f *session.Flags) { f.StoreAllTurns = !f.StoreAllTurns })
	return toggleReply(f.StoreAllTurns, "Storing every turn")
}

// ToggleRetrieval flips retrieval. The private context never enables it;
// enabling opens the store at the current retrieval directory.
func (o *Orchestrator) ToggleRetrieval(ctx context.Context, st *session.State) string {
	return locked(ctx, st, func() string {
		if st.Flags().EnableRetrieval {
			st.UpdateFlags(func(f *session.Flags) { f.EnableRetrieval = false })
			return toggleReply(false, "Retrieval")
		}
		if st.Key().IsPrivate() {
			return MsgPrivateRetrieval
		}
		err := o.stores.With(ctx, st.RetrievalDir(), func(*retrieval.Store) error { return nil })
		if err != nil {
			o.logger.Error("open retrieval store", "context", st.Key(), "dir", st.RetrievalDir(), "error", err)
			return coreerrors.MsgSystemAnomaly
		}
		st.UpdateFlags(func(f *session.Flags) { f.EnableRetrieval = true })
		return toggleReply(true, "Retrieval")
	})
}

// =============================================================================
// Models
// =============================================================================

// Models lists the catalog, numbered from 1.
func (o *Orchestrator) Models() string {
	var b strings.Builder
	b.WriteString("Available models:")
	for i, m := range o.catalog.Models {
		fmt.Fprintf(&b, "\n%d.%s", i+1, m.Name)
		if m.Restricted {
			b.WriteString(" (restricted)")
		}
	}
	return b.String()
}

// SelectModel picks the model whose 1-based number appears in input.
func (o *Orchestrator) SelectModel(st *session.State, input string) string {
	if strings.TrimSpace(input) == "" {
		return MsgEnterText
	}
	n, err := strconv.Atoi(digits.FindString(input))
	if err != nil {
		return MsgInvalidModel
	}
	if err := st.SetModelIndex(n-1, len(o.catalog.Models)); err != nil {
		return MsgInvalidModel
	}
	return "Model changed to " + o.catalog.Models[n-1].Name + "."
}

// =============================================================================
// Documents
// =============================================================================

func (o *Orchestrator) withStore(ctx context.Context, st *session.State, op string, fn func(*retrieval.Store) (string, error)) string {
	return locked(ctx, st, func() string {
		if !st.Flags().EnableRetrieval {
			return MsgRetrievalDisabled
		}
		var reply string
		err := o.stores.With(ctx, st.RetrievalDir(), func(s *retrieval.Store) error {
			var err error
			reply, err = fn(s)
			return err
		})
		if err != nil {
			o.logger.Error(op+" failed", "context", st.Key(), "error", err)
			return coreerrors.UserMessage(err)
		}
		return reply
	})
}

func (o *Orchestrator) InsertDocuments(ctx context.Context, st *session.State, docs []string) string {
	return o.withStore(ctx, st, "insert documents", func(s *retrieval.Store) (string, error) {
		n, err := s.Index(ctx, docs)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return MsgDocumentsExist, nil
		}
		return MsgDocumentsAdded, nil
	})
}

func (o *Orchestrator) DeleteDocuments(ctx context.Context, st *session.State, docs []string) string {
	return o.withStore(ctx, st, "delete documents", func(s *retrieval.Store) (string, error) {
		err := s.Delete(ctx, docs)
		if errors.Is(err, retrieval.ErrNotFound) {
			return MsgDocumentMissing, nil
		}
		if err != nil {
			return "", err
		}
		return MsgDocumentsDeleted, nil
	})
}

func (o *Orchestrator) SaveDocuments(ctx context.Context, st *session.State) string {
	return o.withStore(ctx, st, "save documents", func(s *retrieval.Store) (string, error) {
		if err := s.Save(ctx); err != nil {
			return "", err
		}
		return MsgDocumentsSaved, nil
	})
}

// ClearDocuments points the context back at its base store and empties it,
// leaving any saved persona store untouched.
func (o *Orchestrator) ClearDocuments(ctx context.Context, st *session.State) string {
	return locked(ctx, st, func() string {
		if !st.Flags().EnableRetrieval {
			return MsgRetrievalDisabled
		}
		st.SetRetrievalDir(o.layout.BaseRetrievalDir(st.Key().String()))
		err := o.stores.With(ctx, st.RetrievalDir(), func(s *retrieval.Store) error {
			return s.Clear(ctx)
		})
		if err != nil {
			o.logger.Error("clear documents failed", "context", st.Key(), "error", err)
			return coreerrors.MsgSystemAnomaly
		}
		return MsgDocumentsCleared
	})
}

// DescribeDocuments renders the persona and every stored document.
func (o *Orchestrator) DescribeDocuments(ctx context.Context, st *session.State) string {
	return o.withStore(ctx, st, "list documents", func(s *retrieval.Store) (string, error) {
		docs, err := s.Documents(ctx)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		rule := strings.Repeat("#", 40)
		fmt.Fprintf(&b, "\n%s\nPersona:\n%s\n\nDocuments:\n", rule, st.Persona())
		for _, d := range docs {
			b.WriteString(d)
			b.WriteString("\n")
		}
		b.WriteString(rule)
		b.WriteString("\n")
		return b.String(), nil
	})
}
