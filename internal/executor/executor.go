// Package executor drives multi-step tasks one step at a time so a host
// can interleave other work between steps.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	Pending State = iota
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Progress is the outcome of one step. Value is set only when State is
// Done and Err only when State is Error.
type Progress[T any] struct {
	State State
	Value T
	Err   string
}

func (p Progress[T]) Terminal() bool {
	return p.State != Pending
}

// Task advances by one step per call and reports completion.
type Task[T any] interface {
	Step(ctx context.Context) (T, bool, error)
}

// Executor wraps a Task and latches its terminal progress. Once Done or
// Error, every later Step returns the same progress without calling the task.
type Executor[T any] struct {
	task     Task[T]
	terminal *Progress[T]
}

func New[T any](task Task[T]) *Executor[T] {
	return &Executor[T]{task: task}
}

func (e *Executor[T]) Step(ctx context.Context) (p Progress[T]) {
	if e == nil || e.task == nil {
		return Progress[T]{State: Error, Err: "null executor"}
	}
	if e.terminal != nil {
		return *e.terminal
	}

	defer func() {
		if r := recover(); r != nil {
			p = Progress[T]{State: Error, Err: fmt.Sprintf("task panicked: %v", r)}
			e.terminal = &p
		}
	}()

	value, done, err := e.task.Step(ctx)
	switch {
	case err != nil:
		p = Progress[T]{State: Error, Err: err.Error()}
	case done:
		p = Progress[T]{State: Done, Value: value}
	default:
		return Progress[T]{State: Pending}
	}
	e.terminal = &p
	return p
}

// Run steps e until it finishes or ctx is cancelled.
func Run[T any](ctx context.Context, e *Executor[T]) Progress[T] {
	for {
		if err := ctx.Err(); err != nil {
			return Progress[T]{State: Error, Err: err.Error()}
		}
		if p := e.Step(ctx); p.Terminal() {
			return p
		}
	}
}

// Handle names an executor in a Registry. The zero Handle is never issued.
type Handle uint64

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrFreedHandle   = errors.New("handle already freed")
)

// Registry owns executors on behalf of a host that refers to them by
// handle. Only the handle table is synchronized: calls on one handle must
// not overlap.
type Registry[T any] struct {
	mu   sync.Mutex
	next Handle
	live map[Handle]*Executor[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{live: make(map[Handle]*Executor[T])}
}

func (r *Registry[T]) Init(task Task[T]) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.live[r.next] = New(task)
	return r.next
}

func (r *Registry[T]) lookup(h Handle) (*Executor[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[h]; ok {
		return e, nil
	}
	return nil, r.missing(h)
}

// missing classifies an absent handle. Handles are issued in order, so a
// non-zero handle at or below next was issued and has been freed.
func (r *Registry[T]) missing(h Handle) error {
	if h != 0 && h <= r.next {
		return fmt.Errorf("%w: %d", ErrFreedHandle, h)
	}
	return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
}

// Step advances the executor behind h. Misused handles yield Error progress.
func (r *Registry[T]) Step(ctx context.Context, h Handle) Progress[T] {
	e, err := r.lookup(h)
	if err != nil {
		return Progress[T]{State: Error, Err: err.Error()}
	}
	return e.Step(ctx)
}

// Free releases h. Freeing a handle twice is an error.
func (r *Registry[T]) Free(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[h]; !ok {
		return r.missing(h)
	}
	delete(r.live, h)
	return nil
}

// Len reports the number of live executors.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
