// Package supervisor keeps long-running workers alive.
//
// The sync actor loop, discovery and the HTTP server each run as a Worker.
// A worker that returns an error or panics is restarted after an
// exponential backoff, subject to its restart strategy and a restart
// budget per window. A worker that exhausts its budget stops the whole
// supervisor so the process exits instead of limping along without sync.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartStrategy defines how to handle worker exits.
type RestartStrategy int

const (
	// Permanent workers are always restarted.
	Permanent RestartStrategy = iota
	// Transient workers are restarted only on abnormal exit.
	Transient
	// Temporary workers are never restarted.
	Temporary
)

func (s RestartStrategy) String() string {
	switch s {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Worker is a supervised goroutine. Run blocks until ctx is cancelled or the
// worker fails.
type Worker interface {
	Run(ctx context.Context) error
	Name() string
}

// Func adapts a function to Worker.
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

// Run implements Worker.
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Name implements Worker.
func (f Func) Name() string { return f.WorkerName }

// Spec defines how to supervise a worker.
type Spec struct {
	Worker        Worker
	Strategy      RestartStrategy
	MaxRestarts   int           // within RestartWindow; default 5
	RestartWindow time.Duration // default 1 minute
}

// ErrRestartLimit is returned by Run when a worker keeps failing.
var ErrRestartLimit = errors.New("worker exceeded restart limit")

// PanicError is what a recovered worker panic turns into.
type PanicError struct {
	Worker string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker %s panicked: %v", e.Worker, e.Value)
}

// Supervisor runs workers and restarts them per their Spec.
type Supervisor struct {
	name       string
	specs      []Spec
	logger     *slog.Logger
	newBackoff func() backoff.BackOff
	onRestart  func(worker string, err error)
	now        func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBackoff replaces the restart delay policy.
func WithBackoff(f func() backoff.BackOff) Option {
	return func(s *Supervisor) { s.newBackoff = f }
}

// WithRestartHook is called before every restart.
func WithRestartHook(f func(worker string, err error)) Option {
	return func(s *Supervisor) { s.onRestart = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a supervisor.
func New(name string, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:   name,
		logger: slog.Default(),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("supervisor", name)
	return s
}

// Add registers a worker. Must be called before Run.
func (s *Supervisor) Add(spec Spec) {
	if spec.MaxRestarts == 0 {
		spec.MaxRestarts = 5
	}
	if spec.RestartWindow == 0 {
		spec.RestartWindow = time.Minute
	}
	s.specs = append(s.specs, spec)
}

// Run supervises every worker until ctx is cancelled or one exceeds its
// restart limit. Returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	s.logger.Info("starting supervisor", "workers", len(s.specs))

	for _, spec := range s.specs {
		wg.Add(1)
		go func(spec Spec) {
			defer wg.Done()
			if err := s.supervise(ctx, spec); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			}
		}(spec)
	}
	wg.Wait()
	return firstErr
}

// supervise runs one worker until it is done for good.
func (s *Supervisor) supervise(ctx context.Context, spec Spec) error {
	name := spec.Worker.Name()
	policy := s.newBackoff()
	var restarts []time.Time

	for {
		err := runWorker(ctx, spec.Worker)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			s.logger.Warn("worker exited with error", "worker", name, "error", err)
		} else {
			s.logger.Info("worker exited", "worker", name)
		}

		switch {
		case spec.Strategy == Temporary:
			return nil
		case spec.Strategy == Transient && err == nil:
			return nil
		}

		now := s.now()
		cutoff := now.Add(-spec.RestartWindow)
		recent := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		restarts = recent
		if len(restarts) >= spec.MaxRestarts {
			s.logger.Error("worker exceeded restart limit",
				"worker", name,
				"max_restarts", spec.MaxRestarts,
				"window", spec.RestartWindow)
			return fmt.Errorf("%s: %w", name, ErrRestartLimit)
		}
		restarts = append(restarts, now)

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%s: %w", name, ErrRestartLimit)
		}
		s.logger.Warn("restarting worker", "worker", name, "backoff", delay, "restart_count", len(restarts))
		if s.onRestart != nil {
			s.onRestart(name, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runWorker runs w once, turning a panic into a *PanicError.
func runWorker(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Worker: w.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return w.Run(ctx)
}
