package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hook pairs a component's startup with its shutdown. Either func may be
// nil.
type Hook struct {
	Name  string
	Start func(context.Context) error
	Stop  func(context.Context) error
}

// Lifecycle runs registered hooks in order on startup and in reverse order
// on shutdown. When a start hook fails, the hooks already started are
// stopped before the error is returned.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []Hook
	started bool
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Register appends a hook. Hooks registered after Start are not run.
func (l *Lifecycle) Register(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Start runs all start hooks in registration order.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.Start == nil {
			continue
		}
		if err := h.Start(ctx); err != nil {
			l.unwind(ctx, i)
			return fmt.Errorf("starting %s: %w", h.Name, err)
		}
	}

	l.started = true
	return nil
}

// unwind stops hooks before index failedAt, newest first. Callers hold l.mu.
func (l *Lifecycle) unwind(ctx context.Context, failedAt int) {
	for i := failedAt - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.Stop == nil {
			continue
		}
		if err := h.Stop(ctx); err != nil {
			slog.Warn("lifecycle: unwind stop failed", "hook", h.Name, "error", err)
		}
	}
}

// Stop runs all stop hooks in reverse registration order. Every hook is
// attempted; the first error is returned.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}
	l.started = false

	var firstErr error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.Stop == nil {
			continue
		}
		if err := h.Stop(ctx); err != nil {
			slog.Warn("lifecycle: stop failed", "hook", h.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping %s: %w", h.Name, err)
			}
		}
	}
	return firstErr
}
