package check

import (
	"context"
	"io"
	"sync/atomic"

	"pipecheck/pkg/models"
)

// PipelineChecker resolves the algorithm of a check from the registry when Check is
// called and forwards cancellation to it. An algorithm checker that implements
// io.Closer is closed when its Check returns.
type PipelineChecker struct {
	registry *Registry
	source   Source
	target   Source
	progress *ProgressContext

	canceling atomic.Bool
	inner     atomic.Pointer[innerChecker]
}

type innerChecker struct {
	Checker
}

func NewPipelineChecker(registry *Registry, source, target Source, progress *ProgressContext) *PipelineChecker {
	return &PipelineChecker{registry: registry, source: source, target: target, progress: progress}
}

func (p *PipelineChecker) Check(ctx context.Context, algorithmType string, props models.Properties) (models.CheckResultMap, error) {
	if p.canceling.Load() {
		return nil, ErrCanceled
	}
	c, err := p.registry.Build(algorithmType, p.source, p.target, p.progress)
	if err != nil {
		return nil, err
	}
	if closer, ok := c.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}
	p.inner.Store(&innerChecker{c})
	// Cancel may have run before inner was stored
	if p.canceling.Load() {
		c.Cancel()
	}
	return c.Check(ctx, algorithmType, props)
}

func (p *PipelineChecker) Cancel() {
	p.canceling.Store(true)
	if c := p.inner.Load(); c != nil {
		c.Cancel()
	}
}

func (p *PipelineChecker) IsCanceling() bool {
	return p.canceling.Load()
}
