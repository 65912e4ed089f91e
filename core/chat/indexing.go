package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/suizoe-cosine/huaer/core/providers"
	"github.com/suizoe-cosine/huaer/core/session"
	"github.com/suizoe-cosine/huaer/core/tools"
)

const extractionPrompt = "You are an assistant dedicated to function calling. " +
	"Record facts from the messages that may matter later as long-term memory, not as a transcript. " +
	"Tell speakers apart by their 'User[name]:' or 'Assistant:' labels and phrase each fact as " +
	"'User[name]/Assistant believes/wants/promises/said something'. " +
	"Call rag_index with the facts, or call nothing when there is nothing worth keeping."

// scheduleIndexing hands the turn to the background task set. Search results
// are stored when that is enabled and the turn produced any; otherwise the
// exchange itself is stored, verbatim or through an extraction call.
func (o *Orchestrator) scheduleIndexing(st *session.State, flags session.Flags, searchContents []string, user, assistant session.Message) {
	store := o.store(st.RetrievalDir())
	maxTokens := st.Limits().MaxTokens

	var work func(ctx context.Context) error
	switch {
	case flags.StoreSearchResults && len(searchContents) > 0:
		work = func(ctx context.Context) error {
			_, err := store.Index(ctx, searchContents)
			return err
		}
	case flags.StoreAllTurns:
		exchange := []string{user.Render(), assistant.Render()}
		work = func(ctx context.Context) error {
			_, err := store.Index(ctx, exchange)
			return err
		}
	default:
		work = func(ctx context.Context) error {
			return o.extractAndIndex(ctx, store, maxTokens, user, assistant)
		}
	}

	desc := fmt.Sprintf("index turn of context %s", st.Key())
	if _, err := o.tasks.Go(desc, 0, work); err != nil {
		o.logger.Warn("background indexing not scheduled", "context", st.Key(), "error", err)
	}
}

func (o *Orchestrator) extractAndIndex(ctx context.Context, store tools.Store, maxTokens int, user, assistant session.Message) error {
	raw, err := o.llm.Complete(ctx, &providers.Request{
		Model: o.catalog.ToolModelName(),
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: extractionPrompt},
			{Role: providers.RoleUser, Content: "Message: " + user.Render()},
			{Role: providers.RoleUser, Content: "Message: " + assistant.Render()},
		},
		MaxTokens: maxTokens,
		Tools:     o.dispatcher.Schemas(tools.RagIndex),
	})
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}
	dec := Decode(raw)
	if dec.Err != nil {
		return dec.Err
	}

	env := tools.Env{Store: store}
	var errs []error
	for _, call := range allowedCalls(dec.ToolCalls, []string{tools.RagIndex}, o.logger) {
		if _, err := o.dispatcher.Invoke(ctx, env, call); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
