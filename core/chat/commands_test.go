package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suizoe-cosine/huaer/core/session"
)

func TestRecallBudget(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	ctx := context.Background()

	assert.Equal(t, MsgNoDialogue, h.orch.Recall(ctx, st, false))

	for _, u := range []string{"one", "two", "three"} {
		h.orch.HandleTurn(ctx, st, Turn{Utterance: u})
	}
	require.Equal(t, 6, st.Len())

	assert.Equal(t, MsgRecalled, h.orch.Recall(ctx, st, false))
	assert.Equal(t, MsgRecalled, h.orch.Recall(ctx, st, false))
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, MsgRecallLimit, h.orch.Recall(ctx, st, false))
	assert.Equal(t, 2, st.Len())

	assert.Equal(t, MsgRecalled, h.orch.Recall(ctx, st, true))
	assert.Zero(t, st.Len())

	// A completed turn gives one unit back.
	h.orch.HandleTurn(ctx, st, Turn{Utterance: "four"})
	assert.Equal(t, 1, st.RecallBudget())
}

func TestMemoryCommands(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	ctx := context.Background()

	assert.Equal(t, MsgMemoryEmpty, h.orch.ClearMemory(ctx, st))
	assert.Equal(t, MsgEnterText, h.orch.AddMemory(ctx, st, session.RoleUser, "  "))

	for range 6 {
		assert.Equal(t, MsgMemoryAdded, h.orch.AddMemory(ctx, st, session.RoleAssistant, "remember the fish"))
	}
	assert.Equal(t, MsgMemoryFull, h.orch.AddMemory(ctx, st, session.RoleUser, "one more"))
	assert.Contains(t, DescribeMemory(st), "Assistant: remember the fish")
	assert.Contains(t, DescribeMemory(st), h.cfg.Defaults.Persona)

	assert.Equal(t, MsgMemoryCleared, h.orch.ClearMemory(ctx, st))
	assert.Zero(t, st.Len())
}

func TestToggles(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	assert.Equal(t, "Reasoning display enabled.", h.orch.ToggleReasoning(st))
	assert.Equal(t, "Reasoning display disabled.", h.orch.ToggleReasoning(st))
	assert.Equal(t, "Web search enabled.", h.orch.ToggleSearch(st))
	assert.Equal(t, "Storing search results enabled.", h.orch.ToggleStoreSearchResults(st))
	assert.Equal(t, "Storing every turn enabled.", h.orch.ToggleStoreAllTurns(st))

	f := st.Flags()
	assert.True(t, f.EnableSearch)
	assert.True(t, f.StoreSearchResults)
	assert.True(t, f.StoreAllTurns)
	assert.False(t, f.ShowReasoning)
}

func TestToggleRetrieval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	private := h.state(session.PrivateKey.String())
	assert.Equal(t, MsgPrivateRetrieval, h.orch.ToggleRetrieval(ctx, private))
	assert.False(t, private.Flags().EnableRetrieval)

	group := h.state("123456")
	assert.Equal(t, "Retrieval enabled.", h.orch.ToggleRetrieval(ctx, group))
	assert.True(t, group.Flags().EnableRetrieval)
	assert.Equal(t, 1, h.pool.Len())
	assert.Equal(t, "Retrieval disabled.", h.orch.ToggleRetrieval(ctx, group))
}

func TestModelSelection(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	list := h.orch.Models()
	assert.Contains(t, list, "1.Qwen/Qwen2.5-7B-Instruct")
	assert.Contains(t, list, "3.deepseek-ai/DeepSeek-R1 (restricted)")

	assert.Equal(t, MsgEnterText, h.orch.SelectModel(st, ""))
	assert.Equal(t, MsgInvalidModel, h.orch.SelectModel(st, "abc"))
	assert.Equal(t, MsgInvalidModel, h.orch.SelectModel(st, "9"))
	assert.Equal(t, MsgInvalidModel, h.orch.SelectModel(st, "0"))
	assert.Equal(t, 3, st.ModelIndex())

	assert.Equal(t, "Model changed to deepseek-ai/DeepSeek-V3.", h.orch.SelectModel(st, "number 2"))
	assert.Equal(t, 1, st.ModelIndex())
}

func TestDocumentCommands(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	ctx := context.Background()

	assert.Equal(t, MsgRetrievalDisabled, h.orch.InsertDocuments(ctx, st, []string{"x"}))
	assert.Equal(t, MsgRetrievalDisabled, h.orch.ClearDocuments(ctx, st))

	st.UpdateFlags(func(f *session.Flags) { f.EnableRetrieval = true })
	assert.Equal(t, MsgDocumentsAdded, h.orch.InsertDocuments(ctx, st, []string{"cats purr", "dogs bark"}))
	assert.Equal(t, MsgDocumentsExist, h.orch.InsertDocuments(ctx, st, []string{"cats purr"}))
	assert.Equal(t, MsgDocumentMissing, h.orch.DeleteDocuments(ctx, st, []string{"birds sing"}))
	assert.Equal(t, MsgDocumentsDeleted, h.orch.DeleteDocuments(ctx, st, []string{"dogs bark"}))
	assert.Equal(t, MsgDocumentsSaved, h.orch.SaveDocuments(ctx, st))
	assert.Contains(t, h.orch.DescribeDocuments(ctx, st), "cats purr")

	persona := h.layout.PersonaRetrievalDir("123456", false, "kitty")
	st.SetRetrievalDir(persona)
	assert.Equal(t, MsgDocumentsAdded, h.orch.InsertDocuments(ctx, st, []string{"kitty fact"}))

	assert.Equal(t, MsgDocumentsCleared, h.orch.ClearDocuments(ctx, st))
	assert.Equal(t, h.layout.BaseRetrievalDir("123456"), st.RetrievalDir())
	assert.Empty(t, h.documents(t, st.RetrievalDir()))
	assert.Equal(t, []string{"kitty fact"}, h.documents(t, persona))
}
