// Package tools maps model-issued tool calls onto named capabilities and runs
// them concurrently.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/suizoe-cosine/huaer/core/providers"
	"github.com/suizoe-cosine/huaer/core/retrieval"
)

var (
	ErrEmptyName        = errors.New("capability name is empty")
	ErrDuplicateName    = errors.New("capability registered twice")
	ErrNilHandler       = errors.New("capability has no handler")
	ErrUnsupported      = errors.New("unsupported capability")
	ErrInvalidArguments = errors.New("invalid capability arguments")
	ErrNoStore          = errors.New("capability needs a retrieval store")
)

// Kind tags a result so the caller can frame it in the prompt.
type Kind string

const (
	KindSearch    Kind = "search"
	KindRetrieval Kind = "retrieval"
	KindIndex     Kind = "index"
)

// Store is the retrieval surface capabilities see.
type Store interface {
	Retrieve(ctx context.Context, queries []string, k int) ([]retrieval.Solution, error)
	Index(ctx context.Context, contents []string) (int, error)
}

// Env carries per-turn handles into handlers.
type Env struct {
	Store Store
}

type Handler func(ctx context.Context, env Env, args json.RawMessage) (any, error)

type Capability struct {
	Name        string
	Kind        Kind
	Description string
	Parameters  map[string]any
	Handler     Handler
}

type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type Result struct {
	ID      string
	Name    string
	Kind    Kind
	Payload any
}

type Dispatcher struct {
	caps   map[string]Capability
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, caps ...Capability) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{caps: make(map[string]Capability, len(caps)), logger: logger}
	for _, c := range caps {
		if c.Name == "" {
			return nil, ErrEmptyName
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, c.Name)
		}
		if _, dup := d.caps[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, c.Name)
		}
		d.caps[c.Name] = c
	}
	return d, nil
}

// Names returns the registered capability names in sorted order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.caps))
	for name := range d.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool schemas for the named capabilities. Unknown names
// are skipped.
func (d *Dispatcher) Schemas(names ...string) []providers.Tool {
	tools := make([]providers.Tool, 0, len(names))
	for _, name := range names {
		c, ok := d.caps[name]
		if !ok {
			continue
		}
		tools = append(tools, providers.Tool{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Parameters,
		})
	}
	return tools
}

// Invoke runs a single call. Panics in the handler come back as errors.
func (d *Dispatcher) Invoke(ctx context.Context, env Env, call Call) (res Result, err error) {
	c, ok := d.caps[call.Name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v\n%s", call.Name, r, debug.Stack())
		}
	}()

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	payload, err := c.Handler(ctx, env, args)
	if err != nil {
		return Result{}, fmt.Errorf("capability %s: %w", call.Name, err)
	}
	return Result{ID: call.ID, Name: call.Name, Kind: c.Kind, Payload: payload}, nil
}

// InvokeMany runs every call concurrently and waits for all of them. A
// failing call never cancels its siblings; failures, unknown names and nil
// payloads are logged and left out. Results keep the order of calls.
func (d *Dispatcher) InvokeMany(ctx context.Context, env Env, calls []Call) []Result {
	if len(calls) == 0 {
		return nil
	}

	slots := make([]*Result, len(calls))
	var g errgroup.Group
	g.SetLimit(len(calls))
	for i, call := range calls {
		g.Go(func() error {
			res, err := d.Invoke(ctx, env, call)
			if err != nil {
				d.logFailure(call, err)
				return nil
			}
			if res.Payload == nil {
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(calls))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

func (d *Dispatcher) logFailure(call Call, err error) {
	switch {
	case errors.Is(err, ErrUnsupported):
		d.logger.Warn("unsupported capability requested", "name", call.Name)
	case d.caps[call.Name].Kind == KindRetrieval:
		d.logger.Warn("retrieval failed, likely no relevant data yet", "name", call.Name, "error", err)
	default:
		d.logger.Error("capability failed", "name", call.Name, "id", call.ID, "error", err)
	}
}
