package execute

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pipecheck/pkg/logger"
	"pipecheck/pkg/metrics"
)

// ErrEngineClosed is the result of units submitted after Shutdown.
var ErrEngineClosed = errors.New("execute engine is shut down")

// Runnable is a unit of work accepted by the engine.
type Runnable interface {
	Run(ctx context.Context) error
}

// Callback receives the terminal outcome of triggered futures.
// Exactly one of its methods is called, exactly once.
type Callback interface {
	OnSuccess()
	OnFailure(err error)
}

// Future is the pending result of a submitted unit.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the unit has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the unit's error. Only meaningful after Done is closed.
func (f *Future) Err() error {
	return f.err
}

// Wait blocks until the unit finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine runs units on goroutines bounded by a weighted semaphore.
type Engine struct {
	name   string
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an engine running at most concurrency units at a time.
func NewEngine(name string, concurrency int, log *zap.Logger) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logger.Get()
	}
	return &Engine{
		name:   name,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: log.With(zap.String("engine", name)),
	}
}

// Submit queues unit for execution and returns immediately.
// A unit that panics completes its future with an error.
func (e *Engine) Submit(ctx context.Context, unit Runnable) *Future {
	f := newFuture()
	if !e.track() {
		f.complete(ErrEngineClosed)
		return f
	}
	waiting := metrics.EngineTasksWaiting.WithLabelValues(e.name)
	waiting.Inc()
	go func() {
		defer e.wg.Done()
		err := e.sem.Acquire(ctx, 1)
		waiting.Dec()
		if err != nil {
			f.complete(fmt.Errorf("waiting for engine slot: %w", err))
			return
		}
		defer e.sem.Release(1)
		f.complete(e.run(ctx, unit))
	}()
	return f
}

func (e *Engine) run(ctx context.Context, unit Runnable) (err error) {
	running := metrics.EngineTasksRunning.WithLabelValues(e.name)
	running.Inc()
	defer running.Dec()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unit panicked", zap.Any("panic", r))
			err = fmt.Errorf("unit panicked: %v", r)
		}
	}()
	return unit.Run(ctx)
}

// Trigger calls cb once all futures are done: OnFailure with the first error in order,
// otherwise OnSuccess. The callback runs on its own goroutine, so it may be registered
// after the futures have already completed.
func (e *Engine) Trigger(futures []*Future, cb Callback) {
	if !e.track() {
		cb.OnFailure(ErrEngineClosed)
		return
	}
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("callback panicked", zap.Any("panic", r))
			}
		}()
		for _, f := range futures {
			<-f.done
			if f.err != nil {
				cb.OnFailure(f.err)
				return
			}
		}
		cb.OnSuccess()
	}()
}

// Shutdown rejects new work and waits for submitted units and callbacks to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}
