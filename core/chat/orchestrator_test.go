package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suizoe-cosine/huaer/core/concurrency"
	"github.com/suizoe-cosine/huaer/core/config"
	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
	"github.com/suizoe-cosine/huaer/core/providers"
	"github.com/suizoe-cosine/huaer/core/retrieval"
	"github.com/suizoe-cosine/huaer/core/session"
	"github.com/suizoe-cosine/huaer/core/storage"
	"github.com/suizoe-cosine/huaer/core/tools"
	"github.com/suizoe-cosine/huaer/core/websearch"
)

// scriptedLLM answers tool requests (those offering tools) and completion
// requests through separate scripts.
type scriptedLLM struct {
	mu       sync.Mutex
	requests []providers.Request
	tool     func(req *providers.Request) ([]byte, error)
	main     func(req *providers.Request) ([]byte, error)
}

func (s *scriptedLLM) Complete(ctx context.Context, req *providers.Request) ([]byte, error) {
	s.mu.Lock()
	s.requests = append(s.requests, *req)
	tool, main := s.tool, s.main
	s.mu.Unlock()

	if len(req.Tools) > 0 {
		if tool == nil {
			return completion("", ""), nil
		}
		return tool(req)
	}
	if main == nil {
		return completion("meow", ""), nil
	}
	return main(req)
}

func (s *scriptedLLM) mainRequests() []providers.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []providers.Request
	for _, r := range s.requests {
		if len(r.Tools) == 0 {
			out = append(out, r)
		}
	}
	return out
}

func (s *scriptedLLM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func completion(content, reasoning string) []byte {
	msg := map[string]any{"role": "assistant", "content": content}
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	raw, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"message": msg}}})
	return raw
}

func toolCall(name, args string) []byte {
	raw, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"message": map[string]any{
		"role":    "assistant",
		"content": "",
		"tool_calls": []any{map[string]any{
			"id":       "call_1",
			"type":     "function",
			"function": map[string]any{"name": name, "arguments": args},
		}},
	}}}})
	return raw
}

type stubSearcher struct {
	results []websearch.Result
}

func (s stubSearcher) Search(ctx context.Context, queries []string, maxResults int) ([]websearch.Result, error) {
	return s.results, nil
}

type harness struct {
	orch   *Orchestrator
	llm    *scriptedLLM
	pool   *retrieval.Pool
	tasks  *concurrency.TaskSet
	layout storage.Layout
	cfg    config.Config
	now    time.Time
}

func newHarness(t *testing.T, searcher tools.Searcher) *harness {
	t.Helper()

	h := &harness{
		llm:    &scriptedLLM{},
		layout: storage.NewLayout(t.TempDir()),
		cfg:    config.DefaultConfig(),
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	pool, err := retrieval.NewPool(8, nil)
	require.NoError(t, err)
	h.pool = pool
	h.tasks = concurrency.NewTaskSet(5*time.Second, nil)
	t.Cleanup(func() {
		_ = h.tasks.Shutdown(5*time.Second, 10*time.Second)
		pool.Close()
	})

	dispatcher, err := tools.NewDispatcher(nil, tools.Builtins(searcher)...)
	require.NoError(t, err)

	h.orch, err = NewOrchestrator(Deps{
		Completer:  h.llm,
		LLM:        h.cfg.LLM,
		Dispatcher: dispatcher,
		Stores:     pool,
		Tasks:      h.tasks,
		Layout:     h.layout,
		Clock:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) state(key string) *session.State {
	return session.NewState(session.Key(key), h.cfg.Defaults, h.layout.BaseRetrievalDir(key))
}

func (h *harness) documents(t *testing.T, dir string) []string {
	t.Helper()
	var docs []string
	require.NoError(t, h.pool.With(context.Background(), dir, func(s *retrieval.Store) error {
		var err error
		docs, err = s.Documents(context.Background())
		return err
	}))
	return docs
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestHandleTurnAppendsExchange(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	reply := h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "  hello \n there ", Sender: "ali\x07ce"})
	assert.Equal(t, "meow", reply)

	history := st.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "alice", history[0].Name)
	assert.Equal(t, "hello there", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "meow", history[1].Content)

	reqs := h.llm.mainRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Qwen/QwQ-32B", reqs[0].Model)
	assert.Equal(t, 1024, reqs[0].MaxTokens)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, providers.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, h.cfg.Defaults.Persona, reqs[0].Messages[0].Content)
	assert.Contains(t, reqs[0].Messages[1].Content, "User[alice]: hello there")
}

func TestHandleTurnRejectsEmptyUtterance(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	assert.Equal(t, coreerrors.MsgInvalidInput, h.orch.HandleTurn(context.Background(), st, Turn{Utterance: " \t\n"}))
	assert.Zero(t, st.Len())
	assert.Zero(t, h.llm.count())
}

func TestHandleTurnKeepsRetentionDepth(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	for _, u := range []string{"one", "two", "three", "four"} {
		h.orch.HandleTurn(context.Background(), st, Turn{Utterance: u, Sender: "bob"})
		assert.LessOrEqual(t, st.Len(), 6)
	}

	history := st.History()
	require.Len(t, history, 6)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, "four", history[4].Content)
}

func TestHandleTurnRollsBackOnCompletionFailure(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "first"})
	before := st.History()

	h.llm.main = func(req *providers.Request) ([]byte, error) {
		return nil, errors.New("upstream timeout")
	}
	reply := h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "second"})

	assert.Equal(t, coreerrors.MsgServiceUnavailable, reply)
	assert.Equal(t, before, st.History())
	assert.Equal(t, 2, st.RecallBudget())
}

func TestHandleTurnRollsBackOnDecodeFailure(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	h.llm.main = func(req *providers.Request) ([]byte, error) {
		return []byte(`{"choices": []}`), nil
	}

	reply := h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi"})
	assert.Equal(t, coreerrors.MsgDecodeFallback, reply)
	assert.Zero(t, st.Len())
}

func TestHandleTurnCooldownOnRestrictedModel(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	require.NoError(t, st.SetModelIndex(2, len(h.cfg.LLM.Models)))

	assert.Equal(t, "meow", h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "first"}))

	h.now = h.now.Add(10 * time.Second)
	reply := h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "second"})
	assert.Equal(t, "Too many requests, please try again in 290 seconds.", reply)
	assert.Equal(t, 2, st.Len())

	// Privileged callers bypass the gate and do not reset the window.
	assert.Equal(t, "meow", h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "admin", Privileged: true}))
	assert.Equal(t, h.now.Add(-10*time.Second).Add(300*time.Second), st.CooldownUntil())

	h.now = h.now.Add(300 * time.Second)
	assert.Equal(t, "meow", h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "third"}))
}

func TestHandleTurnShowsReasoning(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) { f.ShowReasoning = true })

	h.llm.main = func(req *providers.Request) ([]byte, error) {
		return completion("purr", "the user is friendly"), nil
	}
	assert.Equal(t, "### Reasoning:\nthe user is friendly\n### Reply:\npurr",
		h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi"}))

	h.llm.main = nil
	assert.Equal(t, "### Reasoning:\n"+NoReasoning+"\n### Reply:\nmeow",
		h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi again"}))
}

func TestHandleTurnUnconfiguredSearchProceeds(t *testing.T) {
	searcher, err := websearch.NewSearcher(config.SearchConfig{}, nil)
	require.NoError(t, err)
	h := newHarness(t, searcher)
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) { f.EnableSearch = true })

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		if assert.Len(t, req.Tools, 1) {
			assert.Equal(t, tools.WebSearch, req.Tools[0].Name)
		}
		return toolCall(tools.WebSearch, `{"queries":["weather today"],"max_results":3}`), nil
	}

	assert.Equal(t, "meow", h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "weather?"}))
	reqs := h.llm.mainRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, 2, st.Len())
}

func TestHandleTurnToolSelectionFailureDegrades(t *testing.T) {
	h := newHarness(t, stubSearcher{results: []websearch.Result{{Title: "t", Content: "c"}}})
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) { f.EnableSearch = true })

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		return nil, errors.New("tool model down")
	}
	assert.Equal(t, "meow", h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi"}))
	require.Len(t, h.llm.mainRequests()[0].Messages, 2)
}

func TestHandleTurnSearchFragmentAndStoredResults(t *testing.T) {
	h := newHarness(t, stubSearcher{results: []websearch.Result{{Title: "Weather", Content: "Sunny all day"}}})
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) {
		f.EnableSearch = true
		f.EnableRetrieval = true
		f.StoreSearchResults = true
	})

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		return toolCall(tools.WebSearch, `{"queries":["weather"]}`), nil
	}

	h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "weather?"})
	reqs := h.llm.mainRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, `(resource: [{"title":"Weather","content":"Sunny all day"}])`, reqs[0].Messages[1].Content)

	require.NoError(t, h.tasks.Wait(context.Background()))
	assert.Equal(t, []string{"Sunny all day"}, h.documents(t, st.RetrievalDir()))
}

func TestHandleTurnRetrievalFragment(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) {
		f.EnableRetrieval = true
		f.StoreAllTurns = true
	})
	require.NoError(t, h.pool.With(context.Background(), st.RetrievalDir(), func(s *retrieval.Store) error {
		_, err := s.Index(context.Background(), []string{"alice likes fish"})
		return err
	}))

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		return toolCall(tools.RagRetrieve, `{"queries":["fish"],"num":1}`), nil
	}

	h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "what do I like?", Sender: "alice"})
	reqs := h.llm.mainRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, `(record: [["alice likes fish"]])`, reqs[0].Messages[1].Content)

	require.NoError(t, h.tasks.Wait(context.Background()))
	docs := h.documents(t, st.RetrievalDir())
	require.Len(t, docs, 3)
	assert.Equal(t, "alice likes fish", docs[0])
	joined := strings.Join(docs[1:], "\n")
	assert.Contains(t, joined, "User[alice]: what do I like?")
	assert.Contains(t, joined, "Assistant: meow")
}

func TestHandleTurnExtractionIndexing(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) { f.EnableRetrieval = true })

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		if req.Tools[0].Name == tools.RagIndex {
			assert.Len(t, req.Messages, 3)
			return toolCall(tools.RagIndex, `{"contents":["User[alice] likes fish"]}`), nil
		}
		return completion("", ""), nil
	}

	h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "I like fish", Sender: "alice"})
	require.NoError(t, h.tasks.Wait(context.Background()))
	assert.Equal(t, []string{"User[alice] likes fish"}, h.documents(t, st.RetrievalDir()))
}

func TestHandleTurnDropsUnofferedCapabilities(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")
	st.UpdateFlags(func(f *session.Flags) { f.EnableSearch = true })

	h.llm.tool = func(req *providers.Request) ([]byte, error) {
		return toolCall(tools.RagIndex, `{"contents":["sneaky"]}`), nil
	}
	h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi"})
	require.Len(t, h.llm.mainRequests()[0].Messages, 2)
}

func TestHandleTurnSerializesContext(t *testing.T) {
	h := newHarness(t, nil)
	st := h.state("123456")

	var inFlight, peak int
	var mu sync.Mutex
	h.llm.main = func(req *providers.Request) ([]byte, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return completion("ok", ""), nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.HandleTurn(context.Background(), st, Turn{Utterance: "hi"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Equal(t, 6, st.Len())
}

func TestDecodeVariants(t *testing.T) {
	d := Decode([]byte(`not json`))
	require.Error(t, d.Err)
	assert.Equal(t, coreerrors.KindDecode, coreerrors.KindOf(d.Err))
	assert.Equal(t, coreerrors.MsgDecodeFallback, d.Reply(true))

	d = Decode([]byte(`{"choices":[{"message":{"role":"assistant"}}]}`))
	require.NoError(t, d.Err)
	assert.Empty(t, d.Content)
	assert.False(t, d.HasReasoning)
	assert.Equal(t, NoReasoning, d.Reasoning)

	d = Decode([]byte(`{"choices":[{"message":{"content":"x","tool_calls":[
		{"id":"a","function":{"name":"web_search","arguments":"{\"queries\":[\"q\"]}"}},
		{"id":"b","function":{"name":"rag_index","arguments":{"contents":["c"]}}},
		{"id":"c","function":{}}
	]}}]}`))
	require.NoError(t, d.Err)
	require.Len(t, d.ToolCalls, 2)
	assert.JSONEq(t, `{"queries":["q"]}`, string(d.ToolCalls[0].Arguments))
	assert.JSONEq(t, `{"contents":["c"]}`, string(d.ToolCalls[1].Arguments))
	assert.True(t, strings.HasPrefix(d.Reply(true), "### Reasoning:\n"))
}
