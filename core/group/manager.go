// Package group owns the live contexts of the process: the public template,
// the private chat context and one context per group id.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suizoe-cosine/huaer/core/chat"
	"github.com/suizoe-cosine/huaer/core/concurrency"
	"github.com/suizoe-cosine/huaer/core/config"
	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
	"github.com/suizoe-cosine/huaer/core/persona"
	"github.com/suizoe-cosine/huaer/core/retrieval"
	"github.com/suizoe-cosine/huaer/core/session"
	"github.com/suizoe-cosine/huaer/core/storage"
)

var (
	ErrMissingDependency = errors.New("group: missing dependency")
	ErrUnknownContext    = errors.New("group: context not registered")
	ErrClosed            = errors.New("group: manager closed")
)

type Deps struct {
	Config       config.Config
	Layout       storage.Layout
	Persister    *session.FilePersister
	Orchestrator *chat.Orchestrator
	Personas     *persona.Manager
	Pool         *retrieval.Pool
	Tasks        *concurrency.TaskSet
	Logger       *slog.Logger
}

// Manager is the registry of live contexts. It is safe for concurrent use.
type Manager struct {
	cfg       config.Config
	layout    storage.Layout
	persister *session.FilePersister
	orch      *chat.Orchestrator
	personas  *persona.Manager
	pool      *retrieval.Pool
	tasks     *concurrency.TaskSet
	logger    *slog.Logger

	mu       sync.Mutex
	contexts map[session.Key]*session.State
	closed   bool
}

// NewManager builds the registry and brings up the private and public
// contexts, creating their durable state on first run.
func NewManager(ctx context.Context, d Deps) (*Manager, error) {
	switch {
	case d.Persister == nil:
		return nil, fmt.Errorf("%w: persister", ErrMissingDependency)
	case d.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator", ErrMissingDependency)
	case d.Personas == nil:
		return nil, fmt.Errorf("%w: persona manager", ErrMissingDependency)
	case d.Pool == nil:
		return nil, fmt.Errorf("%w: store pool", ErrMissingDependency)
	case d.Tasks == nil:
		return nil, fmt.Errorf("%w: task set", ErrMissingDependency)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	m := &Manager{
		cfg:       d.Config,
		layout:    d.Layout,
		persister: d.Persister,
		orch:      d.Orchestrator,
		personas:  d.Personas,
		pool:      d.Pool,
		tasks:     d.Tasks,
		logger:    d.Logger,
		contexts:  make(map[session.Key]*session.State),
	}
	for _, key := range []session.Key{session.PrivateKey, session.PublicKey} {
		if _, err := m.Get(ctx, key); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) Orchestrator() *chat.Orchestrator { return m.orch }
func (m *Manager) Personas() *persona.Manager       { return m.personas }

// Get returns the live context for key, loading or creating it on first use.
func (m *Manager) Get(ctx context.Context, key session.Key) (*session.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if st, ok := m.contexts[key]; ok {
		return st, nil
	}

	st, created, err := m.persister.LoadOrCreate(key)
	if err != nil {
		return nil, fmt.Errorf("open context %s: %w", key, err)
	}
	if created {
		if err := m.initialize(ctx, st); err != nil {
			return nil, err
		}
	}
	m.contexts[key] = st
	m.logger.Info("context ready", "context", key, "created", created)
	return st, nil
}

// initialize seeds a freshly created context. The public context records
// the default persona as a shared record; the private context keeps no
// memory and never retrieves.
func (m *Manager) initialize(ctx context.Context, st *session.State) error {
	switch {
	case st.Key().IsPublic():
		name := m.cfg.Defaults.PersonaName
		err := m.personas.Save(ctx, st, name, persona.ScopePublic)
		if errors.Is(err, persona.ErrPersonaExists) {
			m.logger.Warn("default persona record already present", "name", name)
			st.SetRetrievalDir(m.layout.PersonaRetrievalDir(st.Key().String(), true, name))
		} else if err != nil {
			return fmt.Errorf("seed public context: %w", err)
		}
	case st.Key().IsPrivate():
		st.SetRetentionDepth(0)
		st.UpdateFlags(func(f *session.Flags) { f.EnableRetrieval = false })
	default:
		return nil
	}
	if err := m.persister.Save(st); err != nil {
		return fmt.Errorf("seed context %s: %w", st.Key(), err)
	}
	return nil
}

// Add registers a group context. An already registered key is left alone.
func (m *Manager) Add(ctx context.Context, key session.Key) error {
	m.mu.Lock()
	_, ok := m.contexts[key]
	m.mu.Unlock()
	if ok {
		m.logger.Warn("context already registered", "context", key)
		return nil
	}
	_, err := m.Get(ctx, key)
	return err
}

// Remove drops a context from the registry. Its files stay on disk.
func (m *Manager) Remove(key session.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[key]; !ok {
		m.logger.Warn("removing unregistered context", "context", key)
		return false
	}
	delete(m.contexts, key)
	m.logger.Info("context removed", "context", key)
	return true
}

// Keys lists the registered contexts.
func (m *Manager) Keys() []session.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]session.Key, 0, len(m.contexts))
	for k := range m.contexts {
		keys = append(keys, k)
	}
	return keys
}

func (m *Manager) lookup(key session.Key) (*session.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.contexts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, key)
	}
	return st, nil
}

// Save persists the durable state of a registered context.
func (m *Manager) Save(ctx context.Context, key session.Key) error {
	st, err := m.lookup(key)
	if err != nil {
		return err
	}
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.persister.Save(st); err != nil {
		return coreerrors.Wrap(coreerrors.KindPersistence, "save context", err)
	}
	return nil
}

// Load replaces a registered context with its stored state.
func (m *Manager) Load(ctx context.Context, key session.Key) error {
	st, err := m.lookup(key)
	if err != nil {
		return err
	}
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.persister.LoadInto(st); err != nil {
		return coreerrors.Wrap(coreerrors.KindPersistence, "load context", err)
	}
	return nil
}

// Reset empties the context's base store, points retrieval back at it and
// copies the public context's settings and memory over the rest.
func (m *Manager) Reset(ctx context.Context, key session.Key) error {
	st, err := m.lookup(key)
	if err != nil {
		return err
	}
	public, err := m.lookup(session.PublicKey)
	if err != nil {
		return err
	}
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	base := m.layout.BaseRetrievalDir(key.String())
	st.SetRetrievalDir(base)
	err = m.pool.With(ctx, base, func(s *retrieval.Store) error {
		return s.Clear(ctx)
	})
	if err != nil {
		return fmt.Errorf("clear base store of %s: %w", key, err)
	}
	if key != session.PublicKey {
		st.CopySettingsFrom(public)
	}
	m.logger.Info("context reset", "context", key)
	return nil
}

// HandleTurn routes a turn to the context for key, creating it if needed.
func (m *Manager) HandleTurn(ctx context.Context, key session.Key, turn chat.Turn) string {
	st, err := m.Get(ctx, key)
	if err != nil {
		m.logger.Error("context unavailable", "context", key, "error", err)
		return coreerrors.MsgSystemAnomaly
	}
	return m.orch.HandleTurn(ctx, st, turn)
}

// Drain persists every registered context and saves its retrieval store.
// Every context is attempted; failures are joined.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*session.State, 0, len(m.contexts))
	for _, st := range m.contexts {
		states = append(states, st)
	}
	m.mu.Unlock()

	errs := make([]error, len(states))
	var g errgroup.Group
	for i, st := range states {
		g.Go(func() error {
			errs[i] = m.drainOne(ctx, st)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) drainOne(ctx context.Context, st *session.State) error {
	unlock, err := st.LockTurn(ctx)
	if err != nil {
		return fmt.Errorf("drain %s: %w", st.Key(), err)
	}
	defer unlock()

	var errs []error
	if err := m.persister.Save(st); err != nil {
		errs = append(errs, err)
	}
	if st.Flags().EnableRetrieval {
		err := m.pool.With(ctx, st.RetrievalDir(), func(s *retrieval.Store) error {
			return s.Save(ctx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("save store of %s: %w", st.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Close waits for background work, drains every context and closes the
// store pool. The registry accepts no new contexts afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	grace := m.cfg.Tasks.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	var errs []error
	if err := m.tasks.Shutdown(grace, 2*grace); err != nil {
		errs = append(errs, fmt.Errorf("background tasks: %w", err))
	}
	if err := m.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	m.pool.Close()
	m.logger.Info("context registry closed")
	return errors.Join(errs...)
}
