package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suizoe-cosine/huaer/core/websearch"
)

const (
	WebSearch     = "web_search"
	RagRetrieve   = "rag_retrieve"
	RagIndex      = "rag_index"
	defaultSearch = 5
	maxSearch     = 10
	defaultRecall = 2
	maxRecall     = 5
)

// Searcher is the web-search surface the web_search capability needs.
type Searcher interface {
	Search(ctx context.Context, queries []string, maxResults int) ([]websearch.Result, error)
}

// Builtins returns the three standard capabilities.
func Builtins(searcher Searcher) []Capability {
	return []Capability{
		{
			Name:        WebSearch,
			Kind:        KindSearch,
			Description: "Search the web for current information. Use it for news, facts that may have changed, or anything outside the conversation.",
			Parameters: objectSchema(map[string]any{
				"queries":     stringArray("Search queries, one topic each."),
				"max_results": integer("Results per query, 1 to 10.", defaultSearch),
			}, "queries"),
			Handler: webSearchHandler(searcher),
		},
		{
			Name:        RagRetrieve,
			Kind:        KindRetrieval,
			Description: "Look up earlier conversations and stored notes related to the queries.",
			Parameters: objectSchema(map[string]any{
				"queries": stringArray("What to look up, one topic each."),
				"num":     integer("Records per query, 1 to 5.", defaultRecall),
			}, "queries"),
			Handler: ragRetrieve,
		},
		{
			Name:        RagIndex,
			Kind:        KindIndex,
			Description: "Store facts worth remembering. Each entry should be a short self-contained statement.",
			Parameters: objectSchema(map[string]any{
				"contents": stringArray("Facts to remember."),
			}, "contents"),
			Handler: ragIndex,
		},
	}
}

type webSearchArgs struct {
	Queries    []string `json:"queries"`
	MaxResults int      `json:"max_results"`
}

func webSearchHandler(searcher Searcher) Handler {
	return func(ctx context.Context, _ Env, raw json.RawMessage) (any, error) {
		var args webSearchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		queries := nonBlank(args.Queries)
		if searcher == nil || len(queries) == 0 {
			return nil, nil
		}
		results, err := searcher.Search(ctx, queries, clamp(args.MaxResults, 1, maxSearch, defaultSearch))
		if err != nil {
			return nil, err
		}
		if results == nil {
			return nil, nil
		}
		return results, nil
	}
}

type ragRetrieveArgs struct {
	Queries []string `json:"queries"`
	Num     int      `json:"num"`
}

func ragRetrieve(ctx context.Context, env Env, raw json.RawMessage) (any, error) {
	var args ragRetrieveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if env.Store == nil {
		return nil, ErrNoStore
	}
	queries := nonBlank(args.Queries)
	if len(queries) == 0 {
		return nil, nil
	}
	solutions, err := env.Store.Retrieve(ctx, queries, clamp(args.Num, 1, maxRecall, defaultRecall))
	if err != nil {
		return nil, err
	}
	if len(solutions) == 0 {
		return nil, nil
	}
	return solutions, nil
}

type ragIndexArgs struct {
	Contents []string `json:"contents"`
}

func ragIndex(ctx context.Context, env Env, raw json.RawMessage) (any, error) {
	var args ragIndexArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	contents := nonBlank(args.Contents)
	if len(contents) == 0 {
		return nil, nil
	}
	if env.Store == nil {
		return nil, ErrNoStore
	}
	n, err := env.Store.Index(ctx, contents)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// clamp bounds v to [lo, hi]; zero means def.
func clamp(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	return max(lo, min(v, hi))
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringArray(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

func integer(desc string, def int) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": desc,
		"default":     def,
	}
}
