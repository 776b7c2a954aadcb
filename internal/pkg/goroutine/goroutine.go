// Package goroutine runs background work with a concurrency cap and collects
// its errors so shutdown can wait for in-flight tasks.
package goroutine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// DefaultMaxGoroutine is multiplied by NumCPU when NewManager receives a non-positive limit.
const DefaultMaxGoroutine int = 100

// Manager runs functions in goroutines with a configurable concurrency limit.
type Manager struct {
	wg   sync.WaitGroup
	sema chan struct{}

	mu     sync.Mutex
	errs   []error
	closed bool
}

func NewManager(maxGoroutine int) *Manager {
	if maxGoroutine < 1 {
		maxGoroutine = runtime.NumCPU() * DefaultMaxGoroutine
	}

	return &Manager{sema: make(chan struct{}, maxGoroutine)}
}

// Go schedules f. It reports false when the manager is closed or saturated, in
// which case f never runs.
func (g *Manager) Go(ctx context.Context, f func(ctx context.Context) error) bool {
	if g == nil {
		return false
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		slog.WarnContext(ctx, "goroutine manager is closed, task dropped")
		return false
	}

	select {
	case g.sema <- struct{}{}:
	default:
		g.mu.Unlock()
		slog.WarnContext(ctx, "goroutine limit reached, task dropped")
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() { <-g.sema }()
		defer func() {
			if rvr := recover(); rvr != nil {
				slog.ErrorContext(ctx, "panic in goroutine", "panic", rvr, "stack", string(debug.Stack()))
			}
		}()

		if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()

	return true
}

// Wait closes the manager to new work, blocks until running tasks finish and
// returns their joined errors.
func (g *Manager) Wait() error {
	if g == nil {
		return nil
	}

	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
