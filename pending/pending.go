// Package pending provides a single-assignment result cell that any number
// of parties can wait on through completion callbacks.
//
// A Result starts empty and is resolved exactly once, either with a value or
// with a failure. Callbacks registered before resolution are invoked once the
// result is set; callbacks registered afterwards are invoked immediately with
// the already-known outcome, so no registrant can miss the completion.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNilFailure is used in place of a nil error passed to Fail.
var ErrNilFailure = errors.New("pending: failed without a cause")

// State describes where a Result is in its lifecycle.
type State int

const (
	StateEmpty State = iota
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Callback receives the final outcome of a Result. Exactly one of value and
// err is meaningful: err is non-nil iff the Result failed.
type Callback[T any] func(value T, err error)

// Result is a single-assignment cell. The zero value is not usable; create
// one with New.
type Result[T any] struct {
	mu        sync.Mutex
	state     State
	value     T
	err       error
	callbacks []Callback[T]
	done      chan struct{}
}

// New returns an empty Result.
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Resolve completes r with value. It panics if r was already completed:
// callers guarantee single assignment, so a second call is a bug.
func (r *Result[T]) Resolve(value T) {
	r.complete(StateResolved, value, nil)
}

// Fail completes r with err. It panics if r was already completed.
func (r *Result[T]) Fail(err error) {
	if err == nil {
		err = ErrNilFailure
	}
	var zero T
	r.complete(StateFailed, zero, err)
}

func (r *Result[T]) complete(state State, value T, err error) {
	r.mu.Lock()
	if r.state != StateEmpty {
		prev := r.state
		r.mu.Unlock()
		panic(fmt.Sprintf("pending: result completed twice (was %s, now %s)", prev, state))
	}
	r.state = state
	r.value = value
	r.err = err
	callbacks := r.callbacks
	r.callbacks = nil
	close(r.done)
	r.mu.Unlock()

	// Callbacks run outside the lock so they may register further callbacks
	// or inspect r without deadlocking.
	for _, cb := range callbacks {
		cb(value, err)
	}
}

// OnComplete registers cb to run once r is completed. If r is already
// completed, cb runs immediately on the calling goroutine. Otherwise it runs
// on the goroutine that completes r, in registration order.
func (r *Result[T]) OnComplete(cb Callback[T]) {
	r.mu.Lock()
	if r.state == StateEmpty {
		r.callbacks = append(r.callbacks, cb)
		r.mu.Unlock()
		return
	}
	value, err := r.value, r.err
	r.mu.Unlock()
	cb(value, err)
}

// State reports the current state of r.
func (r *Result[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done reports whether r has been completed.
func (r *Result[T]) Done() bool {
	return r.State() != StateEmpty
}

// Peek returns the outcome if r is completed. ok is false while r is empty.
func (r *Result[T]) Peek() (value T, err error, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateEmpty {
		return value, nil, false
	}
	return r.value, r.err, true
}

// Waiters returns the number of callbacks still waiting for completion.
func (r *Result[T]) Waiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

// Wait blocks until r is completed or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		value, err, _ := r.Peek()
		return value, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
