package storage

import (
	"context"
	"errors"

	"pipecheck/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// ProgressStore persists job item progress and error messages.
type ProgressStore interface {
	// UpsertJobItemProgress inserts or replaces the progress of (JobID, ShardingItem).
	UpsertJobItemProgress(ctx context.Context, progress *models.JobItemProgress) error

	// GetJobItemProgress retrieves the progress of one job item.
	GetJobItemProgress(ctx context.Context, jobID string, shardingItem int) (*models.JobItemProgress, error)

	// SaveJobItemError inserts or replaces the last error of a job item.
	SaveJobItemError(ctx context.Context, jobErr *models.JobItemError) error

	// GetJobItemError retrieves the last error of a job item.
	GetJobItemError(ctx context.Context, jobID string, shardingItem int) (*models.JobItemError, error)

	// MarkOrphansAsFailed fails items stuck in RUNNING on nodes not in activeNodeIDs.
	MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error)
}

// JobConfigStore defines the data access layer for job configurations.
type JobConfigStore interface {
	GetPipelineJob(ctx context.Context, jobID string) (*models.PipelineJobConfiguration, error)

	CreateCheckJob(ctx context.Context, cfg *models.CheckJobConfiguration) error

	GetCheckJob(ctx context.Context, jobID string) (*models.CheckJobConfiguration, error)

	// DisableCheckJob marks a check job disabled. Disabling twice is not an error.
	DisableCheckJob(ctx context.Context, jobID string) error
}

// CommandQueue transports start/stop commands to worker nodes.
type CommandQueue interface {
	// Push appends a command to the stream.
	Push(ctx context.Context, cmd *models.JobCommand) error

	// Pop retrieves a command for a consumer of a group. A nil command means none arrived in time.
	Pop(ctx context.Context, group string, consumer string) (string, *models.JobCommand, error)

	// Ack acknowledges a command as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error
}
