// Package check defines the pluggable data consistency checker contract and its progress context.
package check

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pipecheck/pkg/models"
)

// ErrCanceled is returned by checkers that stopped because Cancel was called.
var ErrCanceled = errors.New("data consistency check canceled")

// Checker compares the source and target data of a pipeline job.
//
// Cancel only sets a flag the checker polls; it never interrupts a running Check.
type Checker interface {
	Check(ctx context.Context, algorithmType string, props models.Properties) (models.CheckResultMap, error)
	Cancel()
	IsCanceling() bool
}

// ProgressContext tracks the progress of one check job item.
// Timestamps are unix millis, zero when unset.
type ProgressContext struct {
	beginMillis atomic.Int64
	endMillis   atomic.Int64

	mu            sync.Mutex
	checkedTables map[string]struct{}
}

func NewProgressContext() *ProgressContext {
	return &ProgressContext{checkedTables: make(map[string]struct{})}
}

func (p *ProgressContext) SetCheckBeginTime(t time.Time) {
	p.beginMillis.Store(t.UnixMilli())
}

func (p *ProgressContext) SetCheckEndTime(t time.Time) {
	p.endMillis.Store(t.UnixMilli())
}

// CheckBeginTime returns the begin time and whether it was set.
func (p *ProgressContext) CheckBeginTime() (time.Time, bool) {
	return millis(p.beginMillis.Load())
}

// CheckEndTime returns the end time and whether it was set.
func (p *ProgressContext) CheckEndTime() (time.Time, bool) {
	return millis(p.endMillis.Load())
}

// MarkTableChecked records that a table finished comparison.
func (p *ProgressContext) MarkTableChecked(table string) {
	p.mu.Lock()
	p.checkedTables[table] = struct{}{}
	p.mu.Unlock()
}

// CheckedTables returns the sorted names of tables already compared.
func (p *ProgressContext) CheckedTables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.checkedTables))
	for t := range p.checkedTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func millis(v int64) (time.Time, bool) {
	if v == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(v), true
}

// Factory builds a checker for one algorithm type.
type Factory func(source, target Source, progress *ProgressContext) (Checker, error)

// Source describes one side of the comparison.
type Source struct {
	DSN    string
	Tables []string
}

// Registry maps algorithm type names to checker factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(algorithmType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[algorithmType] = f
}

// Build returns a checker for algorithmType.
func (r *Registry) Build(algorithmType string, source, target Source, progress *ProgressContext) (Checker, error) {
	r.mu.RLock()
	f, ok := r.factories[algorithmType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported data consistency check algorithm %q", algorithmType)
	}
	return f(source, target, progress)
}

// Types returns the registered algorithm type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
