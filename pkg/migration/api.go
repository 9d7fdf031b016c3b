// Package migration exposes MIGRATION pipeline jobs to the check runtime.
// Migration jobs themselves are scheduled elsewhere; this node only reads their
// configuration and builds checkers over their data sources.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipecheck/pkg/check"
	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

// ErrUnmanaged is returned by Stop: migration jobs are not run by this node.
var ErrUnmanaged = errors.New("migration jobs are not managed by check workers")

type JobAPI struct {
	nodeID     string
	progress   storage.ProgressStore
	configs    storage.JobConfigStore
	algorithms *check.Registry
}

func NewJobAPI(nodeID string, progress storage.ProgressStore, configs storage.JobConfigStore, algorithms *check.Registry) *JobAPI {
	return &JobAPI{nodeID: nodeID, progress: progress, configs: configs, algorithms: algorithms}
}

func (a *JobAPI) Type() models.JobType {
	return models.JobTypeMigration
}

func (a *JobAPI) PersistJobItemProgress(ctx context.Context, item jobapi.JobItem) error {
	return a.progress.UpsertJobItemProgress(ctx, jobapi.ProgressRecord(item, a.nodeID))
}

func (a *JobAPI) PersistJobItemErrorMessage(ctx context.Context, jobID string, shardingItem int, cause error) error {
	return a.progress.SaveJobItemError(ctx, &models.JobItemError{
		JobID:        jobID,
		ShardingItem: shardingItem,
		Message:      cause.Error(),
		ReportedAt:   time.Now(),
	})
}

func (a *JobAPI) Stop(context.Context, string) error {
	return ErrUnmanaged
}

// GetJobConfiguration loads the migration job, rejecting jobs of another type.
func (a *JobAPI) GetJobConfiguration(ctx context.Context, jobID string) (*models.PipelineJobConfiguration, error) {
	cfg, err := a.configs.GetPipelineJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get migration job %s: %w", jobID, err)
	}
	if cfg.Type != models.JobTypeMigration {
		return nil, fmt.Errorf("job %s is %s, not %s", jobID, cfg.Type, models.JobTypeMigration)
	}
	return cfg, nil
}

func (a *JobAPI) BuildProcessContext(cfg *models.PipelineJobConfiguration) (*jobapi.ProcessContext, error) {
	if cfg.SourceDSN == "" || cfg.TargetDSN == "" {
		return nil, fmt.Errorf("migration job %s has no source or target", cfg.JobID)
	}
	tables := []string(cfg.Tables)
	return &jobapi.ProcessContext{
		JobID:  cfg.JobID,
		Source: check.Source{DSN: cfg.SourceDSN, Tables: tables},
		Target: check.Source{DSN: cfg.TargetDSN, Tables: tables},
	}, nil
}

// BuildDataConsistencyChecker returns a checker over the job's tables. The algorithm
// is chosen when the check runs.
func (a *JobAPI) BuildDataConsistencyChecker(_ context.Context, _ *models.PipelineJobConfiguration, process *jobapi.ProcessContext, progress *check.ProgressContext) (check.Checker, error) {
	return check.NewPipelineChecker(a.algorithms, process.Source, process.Target, progress), nil
}
