// Package chat runs conversation turns against a context: rate limiting,
// memory trimming, the tool pre-pass, the completion call, decoding and
// background indexing.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

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

var ErrMissingDependency = errors.New("chat: missing dependency")

const toolSelectionPrompt = "You are an assistant dedicated to function calling. " +
	"Based on the message and the tool descriptions, return suitable function arguments " +
	"when a tool is needed; otherwise call nothing."

// Stores opens retrieval stores by directory. *retrieval.Pool satisfies it.
type Stores interface {
	With(ctx context.Context, dir string, fn func(*retrieval.Store) error) error
}

// Turn is one inbound utterance.
type Turn struct {
	Utterance  string
	Sender     string
	Privileged bool
}

type Deps struct {
	Completer  providers.Completer
	LLM        config.LLMConfig
	Dispatcher *tools.Dispatcher
	Stores     Stores
	Tasks      *concurrency.TaskSet
	Layout     storage.Layout
	Logger     *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Orchestrator struct {
	llm        providers.Completer
	catalog    config.LLMConfig
	dispatcher *tools.Dispatcher
	stores     Stores
	tasks      *concurrency.TaskSet
	layout     storage.Layout
	logger     *slog.Logger
	now        func() time.Time
}

func NewOrchestrator(d Deps) (*Orchestrator, error) {
	switch {
	case d.Completer == nil:
		return nil, fmt.Errorf("%w: completer", ErrMissingDependency)
	case d.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", ErrMissingDependency)
	case d.Stores == nil:
		return nil, fmt.Errorf("%w: retrieval stores", ErrMissingDependency)
	case d.Tasks == nil:
		return nil, fmt.Errorf("%w: task set", ErrMissingDependency)
	case len(d.LLM.Models) == 0:
		return nil, fmt.Errorf("%w: model catalog", ErrMissingDependency)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Orchestrator{
		llm:        d.Completer,
		catalog:    d.LLM,
		dispatcher: d.Dispatcher,
		stores:     d.Stores,
		tasks:      d.Tasks,
		layout:     d.Layout,
		logger:     d.Logger,
		now:        d.Clock,
	}, nil
}

// HandleTurn runs one conversation turn and returns the reply text. Turns on
// the same context are serialized. A failed completion or an unreadable reply
// leaves the history exactly as it was before the turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, st *session.State, turn Turn) string {
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return coreerrors.UserMessage(coreerrors.Wrap(coreerrors.KindTransient, "lock turn", err))
	}
	defer unlock()

	now := o.now()
	model := o.catalog.Model(st.ModelIndex())
	if st.Verbose() {
		o.logger.Info("turn started", "context", st.Key(), "model", model.Name)
	}

	if model.Restricted && !turn.Privileged {
		if remaining := st.CooldownRemaining(now); remaining > 0 {
			return coreerrors.UserMessage(coreerrors.RateLimited("handle turn", remaining))
		}
	}

	utterance := strings.Join(strings.Fields(turn.Utterance), " ")
	if utterance == "" {
		return coreerrors.MsgInvalidInput
	}

	snapshot := st.Snapshot()
	st.Trim()

	user := session.NewMessage(session.RoleUser, session.SanitizeSender(turn.Sender), utterance, now)
	st.Append(user)

	flags := st.Flags()
	aux := o.prepass(ctx, st, flags, user)

	limits := st.Limits()
	raw, err := o.llm.Complete(ctx, &providers.Request{
		Model:     model.Name,
		Messages:  o.buildMessages(st, aux.fragment()),
		MaxTokens: limits.MaxTokens,
	})
	if err != nil {
		st.Restore(snapshot)
		o.logger.Error("completion failed", "context", st.Key(), "model", model.Name, "error", err)
		return coreerrors.MsgServiceUnavailable
	}

	dec := Decode(raw)
	if dec.Err != nil {
		st.Restore(snapshot)
		o.logger.Error("completion decode failed", "context", st.Key(), "error", dec.Err)
		return dec.Fallback
	}

	assistant := session.NewMessage(session.RoleAssistant, "", dec.Content, o.now())
	st.Append(assistant)
	st.Replenish()

	if flags.EnableRetrieval {
		o.scheduleIndexing(st, flags, aux.searchContents, user, assistant)
	}

	if model.Restricted && !turn.Privileged {
		st.StartCooldown(now)
	}

	st.Trim()
	if st.Verbose() {
		o.logger.Info("turn finished", "context", st.Key(), "dialogue", DescribeMemory(st))
	}
	return dec.Reply(flags.ShowReasoning)
}

func (o *Orchestrator) buildMessages(st *session.State, fragment string) []providers.Message {
	history := st.History()
	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: st.Persona()})
	if fragment != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: fragment})
	}
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: providers.Role(m.Role), Content: m.Render()})
	}
	return msgs
}

// =============================================================================
// Tool pre-pass
// =============================================================================

type auxiliary struct {
	fragments      []string
	searchContents []string
}

func (a auxiliary) fragment() string {
	return strings.Join(a.fragments, "\n")
}

// prepass asks the tool model which capabilities to run for the latest user
// message and runs them. Any failure degrades to no auxiliary context.
func (o *Orchestrator) prepass(ctx context.Context, st *session.State, flags session.Flags, user session.Message) auxiliary {
	var names []string
	if flags.EnableSearch {
		names = append(names, tools.WebSearch)
	}
	if flags.EnableRetrieval {
		names = append(names, tools.RagRetrieve)
	}
	if len(names) == 0 {
		return auxiliary{}
	}

	raw, err := o.llm.Complete(ctx, &providers.Request{
		Model: o.catalog.ToolModelName(),
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: toolSelectionPrompt},
			{Role: providers.RoleUser, Content: "Message: " + user.Render()},
		},
		MaxTokens: st.Limits().MaxTokens,
		Tools:     o.dispatcher.Schemas(names...),
	})
	if err != nil {
		o.logger.Error("tool selection failed", "context", st.Key(), "error", err)
		return auxiliary{}
	}
	dec := Decode(raw)
	if dec.Err != nil {
		o.logger.Error("tool selection decode failed", "context", st.Key(), "error", dec.Err)
		return auxiliary{}
	}

	calls := allowedCalls(dec.ToolCalls, names, o.logger)
	if len(calls) == 0 {
		return auxiliary{}
	}

	var env tools.Env
	if flags.EnableRetrieval {
		env.Store = o.store(st.RetrievalDir())
	}

	var aux auxiliary
	for _, res := range o.dispatcher.InvokeMany(ctx, env, calls) {
		switch res.Kind {
		case tools.KindSearch:
			aux.fragments = append(aux.fragments, "(resource: "+encodePayload(res.Payload)+")")
			if hits, ok := res.Payload.([]websearch.Result); ok {
				for _, h := range hits {
					aux.searchContents = append(aux.searchContents, h.Content)
				}
			}
		case tools.KindRetrieval:
			aux.fragments = append(aux.fragments, "(record: "+encodePayload(retrievedDocs(res.Payload))+")")
		}
	}
	return aux
}

// allowedCalls drops calls the model made to capabilities it was not offered.
func allowedCalls(calls []tools.Call, offered []string, logger *slog.Logger) []tools.Call {
	kept := make([]tools.Call, 0, len(calls))
	for _, c := range calls {
		if !slices.Contains(offered, c.Name) {
			logger.Warn("model requested a capability it was not offered", "name", c.Name)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func retrievedDocs(payload any) any {
	solutions, ok := payload.([]retrieval.Solution)
	if !ok {
		return payload
	}
	docs := make([][]string, len(solutions))
	for i, s := range solutions {
		docs[i] = s.Docs
	}
	return docs
}

func encodePayload(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(buf.String())
}

// =============================================================================
// Retrieval access
// =============================================================================

// poolStore routes capability calls through the store pool so an evicted
// store is reopened transparently.
type poolStore struct {
	stores Stores
	dir    string
}

func (o *Orchestrator) store(dir string) tools.Store {
	return poolStore{stores: o.stores, dir: dir}
}

func (p poolStore) Retrieve(ctx context.Context, queries []string, k int) ([]retrieval.Solution, error) {
	var out []retrieval.Solution
	err := p.stores.With(ctx, p.dir, func(s *retrieval.Store) error {
		var err error
		out, err = s.Retrieve(ctx, queries, k)
		return err
	})
	return out, err
}

func (p poolStore) Index(ctx context.Context, contents []string) (int, error) {
	var n int
	err := p.stores.With(ctx, p.dir, func(s *retrieval.Store) error {
		var err error
		n, err = s.Index(ctx, contents)
		return err
	})
	return n, err
}
