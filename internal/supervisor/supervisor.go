// Package supervisor runs named background goroutines under one context,
// recovering panics and restarting long-lived loops with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/logger"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskStats

	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

type taskStats struct {
	active    int64
	started   uint64
	restarts  uint64
	panics    uint64
	lastErr   string
	lastStart time.Time
}

type Option func(*Supervisor)

func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithBackoff bounds the delay between restarts of a GoRestart task.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(s *Supervisor) {
		if minDelay > 0 {
			s.minBackoff = minDelay
		}
		if maxDelay >= s.minBackoff {
			s.maxBackoff = maxDelay
		}
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		tasks:      make(map[string]*taskStats),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("supervisor"))
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error or panic reported by any task.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Go runs fn once. A panic is recovered and recorded as the task's error.
// Returning context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		err := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
			s.logger.Error("task failed", slog.String("task", name), logger.Error(err))
		} else {
			err = nil
		}
		s.noteStop(name, err)
	}()
}

// GoRestart runs fn until the supervisor stops, restarting it after an
// error or panic with doubling backoff. A nil return ends the task.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := s.minBackoff
		for restart := false; ; restart = true {
			s.noteStart(name, restart)
			began := time.Now()
			err := s.run(name, fn)

			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)

			if time.Since(began) >= s.maxBackoff {
				backoff = s.minBackoff
			}
			s.logger.Warn("task restarting",
				slog.String("task", name),
				slog.Duration("backoff", backoff),
				logger.Error(err),
			)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.mu.Lock()
			s.tasks[name].panics++
			s.mu.Unlock()
			s.logger.Error("task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
	return fn(s.ctx)
}

// Stop cancels every task and waits for them to return or ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// TaskStats describes one named task.
type TaskStats struct {
	Name     string    `json:"name"`
	Active   int64     `json:"active"`
	Started  uint64    `json:"started"`
	Restarts uint64    `json:"restarts"`
	Panics   uint64    `json:"panics"`
	LastErr  string    `json:"last_err,omitempty"`
	LastRun  time.Time `json:"last_run"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	Panics     uint64      `json:"panics"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for name, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:     name,
			Active:   t.active,
			Started:  t.started,
			Restarts: t.restarts,
			Panics:   t.panics,
			LastErr:  t.lastErr,
			LastRun:  t.lastStart,
		})
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.started.Add(1)
	s.active.Add(1)

	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		t = &taskStats{}
		s.tasks[name] = t
	}
	t.active++
	t.started++
	if restart {
		t.restarts++
	}
	t.lastStart = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.active.Add(-1)

	s.mu.Lock()
	t := s.tasks[name]
	t.active--
	if err != nil {
		t.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) setErr(err error) {
	s.firstErr.CompareAndSwap(nil, &err)
}
