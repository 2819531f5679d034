// Package task provides small concurrency units used across the runtime: a
// cancellable Task wrapping a goroutine and a single-assignment Future.
package task

import (
	"context"
	"sync"
)

// Task runs a function on its own goroutine and exposes completion,
// cancellation and the function's result.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result T
	err    error
}

// Go starts fn on a new goroutine. Cancelling the task cancels the context
// passed to fn; fn decides how promptly to honor it.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Task[T] {
	tctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		v, err := fn(tctx)
		t.mu.Lock()
		t.result = v
		t.err = err
		t.mu.Unlock()
	}()

	return t
}

// Done is closed when the task function has returned.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cancellation without waiting.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx expires, returning the task's
// result. Waiting multiple times is allowed and returns the same values.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CancelAndWait cancels the task and blocks until it finishes or ctx
// expires. The task's own error is not returned; cancellation is expected
// to surface context.Canceled.
func (t *Task[T]) CancelAndWait(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error once finished, nil before completion.
func (t *Task[T]) Err() error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	default:
		return nil
	}
}
