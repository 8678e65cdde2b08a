// Package tasks runs bounded, cancellable background work such as deposit watchers.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrRegistryFull is returned when the concurrency limit is reached.
	ErrRegistryFull = errors.New("task registry is full")

	// ErrRegistryClosed is returned once shutdown has begun.
	ErrRegistryClosed = errors.New("task registry is shut down")
)

// Registry owns background goroutines. Every task receives the registry's
// context, which is cancelled by Shutdown.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	active atomic.Int64
	logger *slog.Logger

	// mu orders Go against Shutdown so no task is added once Wait has begun.
	mu     sync.Mutex
	closed bool
}

// NewRegistry returns a registry allowing at most limit concurrent tasks.
// A non-positive limit means unbounded.
func NewRegistry(parent context.Context, limit int, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	group := new(errgroup.Group)
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &Registry{ctx: ctx, cancel: cancel, group: group, logger: logger}
}

// Go starts fn in the background. A task error is logged and does not affect
// other tasks.
func (r *Registry) Go(name string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.ctx.Err() != nil {
		return ErrRegistryClosed
	}
	started := r.group.TryGo(func() error {
		r.active.Add(1)
		defer r.active.Add(-1)

		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("task failed", "task", name, "error", err)
		}
		return nil
	})
	if !started {
		return ErrRegistryFull
	}
	return nil
}

// Active reports the number of running tasks.
func (r *Registry) Active() int {
	return int(r.active.Load())
}

// Shutdown cancels every task and waits for them to return or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("tasks still running at shutdown deadline", "active", r.Active())
		return ctx.Err()
	}
}
