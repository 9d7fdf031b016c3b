package consistencycheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

// JobStopper releases the local runner of a job. Stopping an unknown job is a no-op.
type JobStopper interface {
	StopJob(jobID string)
}

// JobAPI manages CONSISTENCY_CHECK jobs on one node.
type JobAPI struct {
	nodeID   string
	progress storage.ProgressStore
	configs  storage.JobConfigStore
	logger   *zap.Logger

	mu      sync.RWMutex
	stopper JobStopper
}

func NewJobAPI(nodeID string, progress storage.ProgressStore, configs storage.JobConfigStore, log *zap.Logger) *JobAPI {
	if log == nil {
		log = logger.Get()
	}
	return &JobAPI{
		nodeID:   nodeID,
		progress: progress,
		configs:  configs,
		logger:   log.With(zap.String("job_type", string(models.JobTypeConsistencyCheck))),
	}
}

// BindStopper sets who releases local runners when a job is stopped.
func (a *JobAPI) BindStopper(s JobStopper) {
	a.mu.Lock()
	a.stopper = s
	a.mu.Unlock()
}

func (a *JobAPI) Type() models.JobType {
	return models.JobTypeConsistencyCheck
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

// Stop disables the check job and releases its local runner.
func (a *JobAPI) Stop(ctx context.Context, jobID string) error {
	if err := a.configs.DisableCheckJob(ctx, jobID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("disable check job %s: %w", jobID, err)
	}
	a.mu.RLock()
	stopper := a.stopper
	a.mu.RUnlock()
	if stopper != nil {
		stopper.StopJob(jobID)
	}
	a.logger.Info("check job stopped", zap.String("job_id", jobID))
	return nil
}

// GetCheckJobConfiguration loads the configuration of a check job.
func (a *JobAPI) GetCheckJobConfiguration(ctx context.Context, jobID string) (*models.CheckJobConfiguration, error) {
	return a.configs.GetCheckJob(ctx, jobID)
}
