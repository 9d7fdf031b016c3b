package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errEtcd = errors.New("etcdserver: request timed out")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errEtcd })
	}
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("etcd", DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state to be Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	config := CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		MaxRequests:      1,
	}
	cb := NewCircuitBreaker("etcd", config)

	failN(cb, 3)

	if cb.State() != CircuitOpen {
		t.Errorf("expected state to be Open after %d failures, got %v", config.FailureThreshold, cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, MaxRequests: 1})

	failN(cb, 1)
	_ = cb.Execute(context.Background(), func() error { return nil })
	failN(cb, 1)

	if cb.State() != CircuitClosed {
		t.Errorf("expected failures to be consecutive, got %v", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	failN(cb, 1)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("expected fn not to be called while open")
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, MaxRequests: 1})
	failN(cb, 1)

	time.Sleep(60 * time.Millisecond)

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected state to be HalfOpen after timeout, got %v", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, MaxRequests: 2})
	failN(cb, 1)

	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return nil })

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after success in HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, MaxRequests: 1})
	failN(cb, 1)

	time.Sleep(60 * time.Millisecond)
	failN(cb, 1)

	if cb.State() != CircuitOpen {
		t.Errorf("expected state to be Open after failure in HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected state to stay Closed, got %v", cb.State())
	}
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled context to short-circuit, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("etcd", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	failN(cb, 1)

	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after Reset, got %v", cb.State())
	}
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreaker("test-metrics", DefaultCircuitBreakerConfig())

	metrics := cb.Metrics()

	if metrics["name"] != "test-metrics" {
		t.Errorf("expected name to be 'test-metrics', got %v", metrics["name"])
	}
	if metrics["state"] != "closed" {
		t.Errorf("expected state to be 'closed', got %v", metrics["state"])
	}
}
