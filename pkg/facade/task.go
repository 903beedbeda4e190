// Package facade implements the Async Data Store Facade: the
// task-returning API applications consume. Every call is captured as a
// work item, marshaled onto the engine's single owning goroutine, and
// fulfils a Task once the underlying Local Store operation completes.
package facade

import "context"

type result[T any] struct {
	value T
	err   error
}

// Task is a generic, channel-backed future fulfilled exactly once by the
// engine's owning goroutine. It is grounded on the original store's
// GenericTask<T>, reimplemented as a buffered channel instead of a
// signal-driven future.
type Task[T any] struct {
	ch chan result[T]
}

func newTask[T any]() (*Task[T], func(T, error)) {
	ch := make(chan result[T], 1)
	fulfil := func(v T, err error) {
		ch <- result[T]{value: v, err: err}
	}
	return &Task[T]{ch: ch}, fulfil
}

// Wait blocks until the task is fulfilled or ctx is cancelled. Once
// dispatched to the worker, the underlying operation itself is not
// cancellable; ctx only bounds how long the caller waits for the result.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-t.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
