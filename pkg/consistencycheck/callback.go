package consistencycheck

import (
	"context"

	"go.uber.org/zap"

	"pipecheck/pkg/metrics"
	"pipecheck/pkg/models"
)

// checkExecuteCallback turns the terminal outcome of the check into job state.
// Every path except a release ends by stopping the check job.
type checkExecuteCallback struct {
	runner *TasksRunner
	ctx    context.Context
}

func (c *checkExecuteCallback) OnSuccess() {
	r := c.runner
	defer r.finish()
	r.logger.Info("on success, check job id: " + r.checkJobID + ", parent job id: " + r.parentJobID)
	r.jobItemContext.SetStatus(models.JobStatusFinished)
	if err := r.checkJobAPI.PersistJobItemProgress(c.ctx, r.jobItemContext); err != nil {
		r.logger.Error("failed to persist finished progress", zap.Error(err))
	}
	metrics.RecordOutcome(metrics.OutcomeSuccess)
	c.stopJob()
}

func (c *checkExecuteCallback) OnFailure(err error) {
	r := c.runner
	defer r.finish()
	if IsCanceled(err) && r.released.Load() {
		r.logger.Info("consistency check released by node shutdown", zap.NamedError("reason", err))
		metrics.RecordOutcome(metrics.OutcomeReleased)
		return
	}
	if IsCanceled(err) {
		r.logger.Info("consistency check canceled", zap.NamedError("reason", err))
		metrics.RecordOutcome(metrics.OutcomeCanceled)
		c.stopJob()
		return
	}

	r.logger.Error("on failure, check job id: "+r.checkJobID+", parent job id: "+r.parentJobID, zap.Error(err))
	r.jobItemContext.SetStatus(models.JobStatusFailed)
	if perr := r.checkJobAPI.PersistJobItemProgress(c.ctx, r.jobItemContext); perr != nil {
		r.logger.Error("failed to persist failed progress", zap.Error(perr))
	}
	if perr := r.checkJobAPI.PersistJobItemErrorMessage(c.ctx, r.checkJobID, 0, err); perr != nil {
		r.logger.Error("failed to persist job item error", zap.Error(perr))
	}
	metrics.RecordOutcome(metrics.OutcomeFailed)
	c.stopJob()
}

func (c *checkExecuteCallback) stopJob() {
	if err := c.runner.checkJobAPI.Stop(c.ctx, c.runner.checkJobID); err != nil {
		c.runner.logger.Warn("failed to stop check job", zap.Error(err))
	}
}
