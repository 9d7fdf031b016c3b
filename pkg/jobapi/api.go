// Package jobapi resolves pipeline job types to the API capability that manages them.
package jobapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pipecheck/pkg/check"
	"pipecheck/pkg/jobid"
	"pipecheck/pkg/models"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrNotInventoryIncremental is returned when a job type cannot build consistency checkers.
	ErrNotInventoryIncremental = errors.New("job type does not support data consistency check")
)

// JobItem is the view of a job item attempt that job APIs persist.
type JobItem interface {
	JobID() string
	ShardingItem() int
	Status() models.JobStatus
	Progress() *check.ProgressContext
}

// JobAPI is implemented once per job type.
type JobAPI interface {
	Type() models.JobType
	PersistJobItemProgress(ctx context.Context, item JobItem) error
	PersistJobItemErrorMessage(ctx context.Context, jobID string, shardingItem int, cause error) error
	// Stop tears down the job. Stopping a stopped job is a no-op.
	Stop(ctx context.Context, jobID string) error
}

// ProcessContext carries what a parent job needs to run its process, here its data sources.
type ProcessContext struct {
	JobID  string
	Source check.Source
	Target check.Source
}

// InventoryIncrementalJobAPI is a job type whose data can be consistency checked.
type InventoryIncrementalJobAPI interface {
	JobAPI
	GetJobConfiguration(ctx context.Context, jobID string) (*models.PipelineJobConfiguration, error)
	BuildProcessContext(cfg *models.PipelineJobConfiguration) (*ProcessContext, error)
	BuildDataConsistencyChecker(ctx context.Context, cfg *models.PipelineJobConfiguration, process *ProcessContext, progress *check.ProgressContext) (check.Checker, error)
}

// Registry maps job types to their API.
type Registry struct {
	mu   sync.RWMutex
	apis map[models.JobType]JobAPI
}

func NewRegistry(apis ...JobAPI) *Registry {
	r := &Registry{apis: make(map[models.JobType]JobAPI, len(apis))}
	for _, api := range apis {
		r.Register(api)
	}
	return r
}

// Register adds or replaces the API for its type.
func (r *Registry) Register(api JobAPI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apis[api.Type()] = api
}

func (r *Registry) Get(t models.JobType) (JobAPI, error) {
	r.mu.RLock()
	api, ok := r.apis[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, t)
	}
	return api, nil
}

// ForJobID resolves the API of the type encoded in jobID.
func (r *Registry) ForJobID(jobID string) (JobAPI, error) {
	t, err := jobid.ParseJobType(jobID)
	if err != nil {
		return nil, err
	}
	return r.Get(t)
}

// InventoryIncrementalForJobID resolves an API able to build consistency checkers for jobID.
func (r *Registry) InventoryIncrementalForJobID(jobID string) (InventoryIncrementalJobAPI, error) {
	api, err := r.ForJobID(jobID)
	if err != nil {
		return nil, err
	}
	ii, ok := api.(InventoryIncrementalJobAPI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInventoryIncremental, api.Type())
	}
	return ii, nil
}

// ProgressRecord converts item into its persisted form, owned by nodeID.
func ProgressRecord(item JobItem, nodeID string) *models.JobItemProgress {
	p := &models.JobItemProgress{
		JobID:             item.JobID(),
		ShardingItem:      item.ShardingItem(),
		Status:            item.Status(),
		CheckedTableNames: item.Progress().CheckedTables(),
	}
	if nodeID != "" {
		p.NodeID = &nodeID
	}
	if t, ok := item.Progress().CheckBeginTime(); ok {
		p.CheckBeginTime = &t
	}
	if t, ok := item.Progress().CheckEndTime(); ok {
		p.CheckEndTime = &t
	}
	return p
}
