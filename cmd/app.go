package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suizoe-cosine/huaer/core/chat"
	"github.com/suizoe-cosine/huaer/core/concurrency"
	"github.com/suizoe-cosine/huaer/core/config"
	"github.com/suizoe-cosine/huaer/core/group"
	"github.com/suizoe-cosine/huaer/core/persona"
	"github.com/suizoe-cosine/huaer/core/providers"
	"github.com/suizoe-cosine/huaer/core/retrieval"
	"github.com/suizoe-cosine/huaer/core/session"
	"github.com/suizoe-cosine/huaer/core/storage"
	"github.com/suizoe-cosine/huaer/core/tools"
	"github.com/suizoe-cosine/huaer/core/websearch"
)

// app is the wired process: one registry over shared clients.
type app struct {
	cfg      config.Config
	groups   *group.Manager
	searcher *websearch.Searcher
	logger   *slog.Logger
}

// newApp wires every component. A nil completer selects the configured
// provider.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, completer providers.Completer) (*app, error) {
	if completer == nil {
		var err error
		completer, err = providers.New(ctx, cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create completion client: %w", err)
		}
	}

	searcher, err := websearch.NewSearcher(cfg.Search, logger)
	if err != nil {
		return nil, fmt.Errorf("create search client: %w", err)
	}
	dispatcher, err := tools.NewDispatcher(logger, tools.Builtins(searcher)...)
	if err != nil {
		searcher.Close()
		return nil, err
	}
	pool, err := retrieval.NewPool(cfg.Retrieval.PoolSize, logger)
	if err != nil {
		searcher.Close()
		return nil, err
	}

	layout := storage.NewLayout(cfg.DataDir)
	tasks := concurrency.NewTaskSet(cfg.Tasks.Timeout, logger)
	orch, err := chat.NewOrchestrator(chat.Deps{
		Completer:  completer,
		LLM:        cfg.LLM,
		Dispatcher: dispatcher,
		Stores:     pool,
		Tasks:      tasks,
		Layout:     layout,
		Logger:     logger,
	})
	if err != nil {
		pool.Close()
		searcher.Close()
		return nil, err
	}

	groups, err := group.NewManager(ctx, group.Deps{
		Config:       cfg,
		Layout:       layout,
		Persister:    session.NewFilePersister(layout, cfg.Defaults),
		Orchestrator: orch,
		Personas:     persona.NewManager(layout, pool, logger),
		Pool:         pool,
		Tasks:        tasks,
		Logger:       logger,
	})
	if err != nil {
		pool.Close()
		searcher.Close()
		return nil, err
	}
	return &app{cfg: cfg, groups: groups, searcher: searcher, logger: logger}, nil
}

func (a *app) Close(ctx context.Context) error {
	err := a.groups.Close(ctx)
	a.searcher.Close()
	return err
}

// openApp loads configuration and wires the process for a command.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, nil)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger, nil)
}

// withApp runs fn against a freshly opened app and always closes it.
func withApp(ctx context.Context, fn func(*app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	return fn(a)
}
