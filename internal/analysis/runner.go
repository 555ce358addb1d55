package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Runner spawns background tasks tied to the application's lifetime. Task
// errors and panics are logged and never propagate.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a Runner whose tasks are cancelled when parent is done
// or Close is called.
func NewRunner(parent context.Context) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{ctx: ctx, cancel: cancel, logger: slog.Default()}
}

// Go runs fn in a new goroutine. It returns false if the runner is closed.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(p))
			}
		}()
		if err := fn(r.ctx); err != nil {
			r.logger.Debug("background task failed", "task", name, "error", err)
		}
	}()
	return true
}

// Wait blocks until all running tasks finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close stops accepting tasks, cancels running ones and waits for them.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
