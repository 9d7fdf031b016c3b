package execute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runFunc func(ctx context.Context) error

func (f runFunc) Run(ctx context.Context) error { return f(ctx) }

type recordingCallback struct {
	mu        sync.Mutex
	successes int
	failures  []error
	done      chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{done: make(chan struct{}, 8)}
}

func (c *recordingCallback) OnSuccess() {
	c.mu.Lock()
	c.successes++
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *recordingCallback) OnFailure(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *recordingCallback) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func (c *recordingCallback) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successes, len(c.failures)
}

func TestEngine_SubmitAndTriggerSuccess(t *testing.T) {
	e := NewEngine("test", 2, zap.NewNop())
	f := e.Submit(context.Background(), runFunc(func(context.Context) error { return nil }))
	cb := newRecordingCallback()
	e.Trigger([]*Future{f}, cb)
	cb.wait(t)

	require.NoError(t, e.Shutdown(context.Background()))
	s, fl := cb.calls()
	assert.Equal(t, 1, s)
	assert.Equal(t, 0, fl)
}

func TestEngine_TriggerFailure(t *testing.T) {
	boom := errors.New("boom")
	e := NewEngine("test", 1, zap.NewNop())
	ok := e.Submit(context.Background(), runFunc(func(context.Context) error { return nil }))
	bad := e.Submit(context.Background(), runFunc(func(context.Context) error { return boom }))
	cb := newRecordingCallback()
	e.Trigger([]*Future{ok, bad}, cb)
	cb.wait(t)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []error{boom}, cb.failures)
	assert.Equal(t, 0, cb.successes)
}

func TestEngine_TriggerAfterCompletionStillFires(t *testing.T) {
	e := NewEngine("test", 1, zap.NewNop())
	f := e.Submit(context.Background(), runFunc(func(context.Context) error { return nil }))
	require.NoError(t, f.Wait(context.Background()))

	cb := newRecordingCallback()
	e.Trigger([]*Future{f}, cb)
	cb.wait(t)
	require.NoError(t, e.Shutdown(context.Background()))

	s, fl := cb.calls()
	assert.Equal(t, 1, s+fl)
}

func TestEngine_BoundsConcurrency(t *testing.T) {
	e := NewEngine("test", 2, zap.NewNop())
	var current, peak atomic.Int32
	futures := make([]*Future, 0, 8)
	for i := 0; i < 8; i++ {
		futures = append(futures, e.Submit(context.Background(), runFunc(func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})))
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_PanicBecomesError(t *testing.T) {
	e := NewEngine("test", 1, zap.NewNop())
	f := e.Submit(context.Background(), runFunc(func(context.Context) error { panic("kaboom") }))
	err := f.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestEngine_RejectsAfterShutdown(t *testing.T) {
	e := NewEngine("test", 1, zap.NewNop())
	require.NoError(t, e.Shutdown(context.Background()))

	f := e.Submit(context.Background(), runFunc(func(context.Context) error { return nil }))
	assert.ErrorIs(t, f.Wait(context.Background()), ErrEngineClosed)

	cb := newRecordingCallback()
	e.Trigger([]*Future{f}, cb)
	cb.wait(t)
	assert.ErrorIs(t, cb.failures[0], ErrEngineClosed)
}

func TestEngine_ShutdownWaitsForUnits(t *testing.T) {
	e := NewEngine("test", 1, zap.NewNop())
	release := make(chan struct{})
	e.Submit(context.Background(), runFunc(func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_RunsLifecycleExecutor(t *testing.T) {
	e := NewEngine("test", 1, zap.NewNop())
	le := NewLifecycleExecutor(&fakeBody{})
	require.NoError(t, e.Submit(context.Background(), le).Wait(context.Background()))
	assert.Equal(t, StateCompleted, le.State())
}
