package consistencycheck

import (
	"sync/atomic"

	"pipecheck/pkg/check"
)

// CheckerHandle lets a stopping goroutine find the checker the worker is running.
// It does not own the checker.
type CheckerHandle struct {
	ref atomic.Pointer[checkerRef]
}

type checkerRef struct {
	checker check.Checker
}

// Set publishes c. Setting nil clears the handle.
func (h *CheckerHandle) Set(c check.Checker) {
	if c == nil {
		h.ref.Store(nil)
		return
	}
	h.ref.Store(&checkerRef{checker: c})
}

// Get returns the published checker, if any.
func (h *CheckerHandle) Get() (check.Checker, bool) {
	r := h.ref.Load()
	if r == nil {
		return nil, false
	}
	return r.checker, true
}

func (h *CheckerHandle) Clear() {
	h.ref.Store(nil)
}
