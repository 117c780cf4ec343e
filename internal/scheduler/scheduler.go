// Package scheduler runs named maintenance tasks on independent timers
// under a suture supervisor. A task that fails or panics is restarted on
// its own without disturbing the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"fantasyguard/internal/metrics"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrUnknownTask   = errors.New("unknown task")
)

// TaskFunc performs one maintenance pass and reports how many items it
// removed.
type TaskFunc func(ctx context.Context) (int, error)

type TaskStatus struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Runs        int64         `json:"runs"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastRemoved int           `json:"last_removed"`
	LastError   string        `json:"last_error,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	logger   *slog.Logger
	removed  atomic.Bool

	mu     sync.Mutex
	status TaskStatus
}

func (t *task) Serve(ctx context.Context) error {
	if t.removed.Load() {
		return suture.ErrDoNotRestart
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.run(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *task) String() string {
	return "task:" + t.name
}

func (t *task) run(ctx context.Context) (int, error) {
	n, err := t.fn(ctx)
	t.mu.Lock()
	t.status.Runs++
	t.status.LastRun = time.Now().UTC()
	t.status.LastRemoved = n
	t.status.LastError = ""
	if err != nil {
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()

	if n > 0 {
		metrics.MaintenanceRemoved.WithLabelValues(t.name).Add(float64(n))
	}
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("maintenance task failed", "task", t.name, "error", err)
		}
		return n, fmt.Errorf("task %s: %w", t.name, err)
	}
	if t.logger != nil && n > 0 {
		t.logger.Debug("maintenance task completed", "task", t.name, "removed", n)
	}
	return n, nil
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

type Scheduler struct {
	sup     *suture.Supervisor
	logger  *slog.Logger
	running atomic.Bool

	mu     sync.Mutex
	tasks  map[string]*task
	tokens map[string]suture.ServiceToken
}

func New(logger *slog.Logger) *Scheduler {
	spec := suture.Spec{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	}
	if logger != nil {
		spec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()
	}
	return &Scheduler{
		sup:    suture.New("maintenance", spec),
		logger: logger,
		tasks:  make(map[string]*task),
		tokens: make(map[string]suture.ServiceToken),
	}
}

// Add registers a recurring task. It may be called before or after the
// scheduler starts serving.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" || fn == nil {
		return errors.New("task name and function required")
	}
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateTask)
	}
	t := &task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   s.logger,
		status:   TaskStatus{Name: name, Interval: interval},
	}
	s.tasks[name] = t
	s.tokens[name] = s.sup.Add(t)
	return nil
}

// Remove cancels a task and waits briefly for it to stop.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	token, ok := s.tokens[name]
	t := s.tasks[name]
	if ok {
		delete(s.tokens, name)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	t.removed.Store(true)
	if !s.running.Load() {
		return nil
	}
	return s.sup.RemoveAndWait(token, 5*time.Second)
}

// RunNow executes a task immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return t.run(ctx)
}

func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	list := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	s.mu.Unlock()
	out := make([]TaskStatus, 0, len(list))
	for _, t := range list {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Serve implements suture.Service so the scheduler can join a larger tree.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	return s.sup.Serve(ctx)
}

func (s *Scheduler) String() string {
	return "maintenance-scheduler"
}
