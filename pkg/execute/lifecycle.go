// Package execute provides the lifecycle executor and the engine that runs it asynchronously.
package execute

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStopped is returned by Run when Stop was requested before the body started.
	ErrStopped = errors.New("lifecycle executor stopped before run")
	// ErrAlreadyStarted is returned by a second Run.
	ErrAlreadyStarted = errors.New("lifecycle executor already started")
)

// State is the lifecycle state of an executor.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// Body is the blocking unit of work wrapped by a LifecycleExecutor.
type Body interface {
	// RunBlocking does the work. It is called at most once.
	RunBlocking(ctx context.Context) error
	// DoStop asks a running RunBlocking to finish early. It must not block.
	DoStop()
}

// LifecycleExecutor runs a Body once and lets another goroutine stop it.
//
// Stop is cooperative: it never interrupts RunBlocking, it only calls DoStop.
type LifecycleExecutor struct {
	body     Body
	state    atomic.Int32
	stopping atomic.Bool
}

func NewLifecycleExecutor(body Body) *LifecycleExecutor {
	return &LifecycleExecutor{body: body}
}

// Run executes the body. It implements Runnable.
func (e *LifecycleExecutor) Run(ctx context.Context) (err error) {
	if !e.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	if e.stopping.Load() {
		e.state.Store(int32(StateStopped))
		return ErrStopped
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle executor panic: %v", r)
		}
		switch {
		case err == nil:
			e.state.Store(int32(StateCompleted))
		case e.stopping.Load():
			e.state.Store(int32(StateStopped))
		default:
			e.state.Store(int32(StateFailed))
		}
	}()
	return e.body.RunBlocking(ctx)
}

// Stop requests the executor to stop. Only the first call reaches the body's DoStop.
func (e *LifecycleExecutor) Stop() {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}
	e.body.DoStop()
}

// State returns the current lifecycle state.
func (e *LifecycleExecutor) State() State {
	return State(e.state.Load())
}

// Stopping reports whether Stop has been called.
func (e *LifecycleExecutor) Stopping() bool {
	return e.stopping.Load()
}
