// Package consistencycheck runs one data consistency check job item and reports its outcome once.
package consistencycheck

import (
	"sync/atomic"

	"pipecheck/pkg/check"
	"pipecheck/pkg/execute"
	"pipecheck/pkg/models"
)

// ProcessContext holds the shared runtime facilities check jobs run on.
type ProcessContext struct {
	ExecuteEngine *execute.Engine
}

// JobItemContext is the mutable state of one check job item attempt.
// It is created before the TasksRunner and outlives it.
type JobItemContext struct {
	jobConfig    *models.CheckJobConfiguration
	shardingItem int
	progress     *check.ProgressContext
	process      *ProcessContext

	stopping atomic.Bool
	status   atomic.Value // models.JobStatus
}

func NewJobItemContext(cfg *models.CheckJobConfiguration, shardingItem int, process *ProcessContext) *JobItemContext {
	c := &JobItemContext{
		jobConfig:    cfg,
		shardingItem: shardingItem,
		progress:     check.NewProgressContext(),
		process:      process,
	}
	c.status.Store(models.JobStatusRunning)
	return c
}

func (c *JobItemContext) JobID() string {
	return c.jobConfig.JobID
}

func (c *JobItemContext) ShardingItem() int {
	return c.shardingItem
}

// JobConfig returns the immutable check job configuration.
func (c *JobItemContext) JobConfig() *models.CheckJobConfiguration {
	return c.jobConfig
}

func (c *JobItemContext) Progress() *check.ProgressContext {
	return c.progress
}

func (c *JobItemContext) ProcessContext() *ProcessContext {
	return c.process
}

func (c *JobItemContext) SetStopping(stopping bool) {
	c.stopping.Store(stopping)
}

func (c *JobItemContext) IsStopping() bool {
	return c.stopping.Load()
}

func (c *JobItemContext) SetStatus(status models.JobStatus) {
	c.status.Store(status)
}

func (c *JobItemContext) Status() models.JobStatus {
	return c.status.Load().(models.JobStatus)
}
