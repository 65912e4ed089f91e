// Package concurrency tracks detached background work so it can be drained at
// shutdown.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrTaskSetShutdown = errors.New("task set is shutting down")

const defaultTimeout = 2 * time.Minute

type WorkFunc func(ctx context.Context) error

// TaskSet runs fire-and-forget tasks. Each task gets its own timeout and
// panic recovery; failures are logged when they happen and collected for
// Shutdown.
type TaskSet struct {
	parentCtx context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	failures []error
	shutdown bool

	wg             sync.WaitGroup
	defaultTimeout time.Duration
}

type task struct {
	id          string
	cancel      context.CancelFunc
	startedAt   time.Time
	deadline    time.Time
	description string
}

// LeakError reports tasks still running after the shutdown deadline.
type LeakError struct {
	LeakedCount int
	Tasks       []string
	StackDump   string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%d background tasks outlived shutdown: %v", e.LeakedCount, e.Tasks)
}

func NewTaskSet(timeout time.Duration, logger *slog.Logger) *TaskSet {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskSet{
		parentCtx:      ctx,
		cancel:         cancel,
		logger:         logger,
		tasks:          make(map[string]*task),
		defaultTimeout: timeout,
	}
}

// Go starts fn in a tracked goroutine. A zero timeout uses the set default.
// The task context is detached from any request context.
func (s *TaskSet) Go(description string, timeout time.Duration, fn WorkFunc) (string, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", ErrTaskSetShutdown
	}
	ctx, cancel := context.WithTimeout(s.parentCtx, timeout)
	now := time.Now()
	t := &task{
		id:          uuid.NewString(),
		cancel:      cancel,
		startedAt:   now,
		deadline:    now.Add(timeout),
		description: description,
	}
	s.tasks[t.id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t, fn)
	return t.id, nil
}

func (s *TaskSet) run(ctx context.Context, t *task, fn WorkFunc) {
	defer s.cleanup(t)

	err := s.execute(ctx, fn)
	if err == nil {
		return
	}
	err = fmt.Errorf("%s: %w", t.description, err)
	s.logger.Error("background task failed", "task", t.id, "description", t.description, "error", err)

	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.mu.Unlock()
}

func (s *TaskSet) execute(ctx context.Context, fn WorkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, captureStack())
		}
	}()
	return fn(ctx)
}

func (s *TaskSet) cleanup(t *task) {
	t.cancel()

	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	s.wg.Done()
}

// Len returns the number of running tasks.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Wait blocks until every running task has finished or ctx is done.
func (s *TaskSet) Wait(ctx context.Context) error {
	select {
	case <-s.waitGroupDone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits up to grace for running ones.
// Tasks still running at grace are cancelled; those still running at
// hardDeadline are reported in a LeakError. The returned error joins every
// task failure.
func (s *TaskSet) Shutdown(grace, hardDeadline time.Duration) error {
	s.mu.Lock()
	already := s.shutdown
	s.shutdown = true
	s.mu.Unlock()
	if already {
		return nil
	}
	defer s.cancel()

	var leak error
	done := s.waitGroupDone()
	select {
	case <-done:
	case <-time.After(grace):
		s.cancel()
		select {
		case <-done:
		case <-time.After(max(0, hardDeadline-grace)):
			leak = s.buildLeakError()
		}
	}

	s.mu.Lock()
	failures := s.failures
	s.failures = nil
	s.mu.Unlock()

	return errors.Join(append(failures, leak)...)
}

func (s *TaskSet) waitGroupDone() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}

func (s *TaskSet) buildLeakError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	leaked := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		leaked = append(leaked, fmt.Sprintf(
			"task[%s] desc=%q started=%v deadline=%v",
			t.id, t.description, t.startedAt, t.deadline,
		))
	}
	return &LeakError{
		LeakedCount: len(leaked),
		Tasks:       leaked,
		StackDump:   captureAllStacks(),
	}
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func captureAllStacks() string {
	buf := make([]byte, 65536)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
