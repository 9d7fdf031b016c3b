package consistencycheck

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pipecheck/pkg/execute"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/metrics"
)

// ResultRepositories resolves the governance repository that owns a parent job's results.
type ResultRepositories interface {
	ForJobID(jobID string) (governance.Repository, error)
}

// Dependencies are the collaborators shared by all runners of a node.
type Dependencies struct {
	JobAPIs    *jobapi.Registry
	Governance ResultRepositories
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// TasksRunner drives one consistency check job item: it submits the check to the
// execute engine, lets another goroutine stop it, and reports the outcome once.
type TasksRunner struct {
	jobItemContext *JobItemContext
	checkJobID     string
	parentJobID    string

	checkJobAPI jobapi.JobAPI
	jobAPIs     *jobapi.Registry
	governance  ResultRepositories

	checkExecutor *execute.LifecycleExecutor
	checker       CheckerHandle

	released atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	logger *zap.Logger
	tracer trace.Tracer
}

// NewTasksRunner resolves the check job's own API and prepares the lifecycle executor.
// Nothing runs until Start.
func NewTasksRunner(item *JobItemContext, deps Dependencies) (*TasksRunner, error) {
	cfg := item.JobConfig()
	checkJobAPI, err := deps.JobAPIs.ForJobID(cfg.JobID)
	if err != nil {
		return nil, fmt.Errorf("resolve job api of %s: %w", cfg.JobID, err)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Get()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("pipecheck/consistencycheck")
	}
	r := &TasksRunner{
		jobItemContext: item,
		checkJobID:     cfg.JobID,
		parentJobID:    cfg.ParentJobID,
		checkJobAPI:    checkJobAPI,
		jobAPIs:        deps.JobAPIs,
		governance:     deps.Governance,
		logger:         logger.ForJob(deps.Logger, cfg.JobID, cfg.ParentJobID),
		tracer:         deps.Tracer,
		done:           make(chan struct{}),
	}
	r.checkExecutor = execute.NewLifecycleExecutor(&checkLifecycleBody{runner: r})
	return r, nil
}

// JobItemContext returns the context this runner was created with.
func (r *TasksRunner) JobItemContext() *JobItemContext {
	return r.jobItemContext
}

// Start persists the initial progress and submits the check asynchronously.
// It is a no-op once the item is stopping.
func (r *TasksRunner) Start(ctx context.Context) error {
	if r.jobItemContext.IsStopping() {
		r.logger.Debug("job item is stopping, skip start")
		r.finish()
		return nil
	}
	if err := r.checkJobAPI.PersistJobItemProgress(ctx, r.jobItemContext); err != nil {
		return fmt.Errorf("persist initial progress: %w", err)
	}

	// the check outlives the caller's request
	runCtx := context.WithoutCancel(ctx)
	engine := r.jobItemContext.ProcessContext().ExecuteEngine
	future := engine.Submit(runCtx, r.checkExecutor)
	engine.Trigger([]*execute.Future{future}, &checkExecuteCallback{runner: r, ctx: runCtx})

	metrics.ChecksStarted.Inc()
	r.logger.Info("consistency check submitted",
		zap.String("algorithm", r.jobItemContext.JobConfig().AlgorithmTypeName),
	)
	return nil
}

// Stop marks the item stopping and asks the running checker, if any, to cancel.
// It returns without waiting for the check to finish.
func (r *TasksRunner) Stop() {
	r.jobItemContext.SetStopping(true)
	r.checkExecutor.Stop()
}

// Release stops the runner for a node shutdown. A check canceled this way keeps
// its job enabled, so it can be started again elsewhere. A check that finished or
// failed meanwhile is reported as usual.
func (r *TasksRunner) Release() {
	r.released.Store(true)
	r.Stop()
}

// Done is closed once the outcome of the check has been reported, or when Start
// did nothing because the runner was already stopping.
func (r *TasksRunner) Done() <-chan struct{} {
	return r.done
}

func (r *TasksRunner) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// checkLifecycleBody is the blocking part of a consistency check.
type checkLifecycleBody struct {
	runner *TasksRunner
}

func (b *checkLifecycleBody) RunBlocking(ctx context.Context) (err error) {
	r := b.runner
	item := r.jobItemContext
	cfg := item.JobConfig()

	ctx, span := r.tracer.Start(ctx, "consistency_check.run", trace.WithAttributes(
		attribute.String("check_job_id", r.checkJobID),
		attribute.String("parent_job_id", r.parentJobID),
		attribute.String("algorithm", cfg.AlgorithmTypeName),
	))
	begin := time.Now()
	item.Progress().SetCheckBeginTime(begin)
	defer func() {
		r.checker.Clear()
		item.Progress().SetCheckEndTime(time.Now())
		if perr := r.checkJobAPI.PersistJobItemProgress(ctx, item); perr != nil {
			r.logger.Warn("failed to persist check end time", zap.Error(perr))
		}
		metrics.RecordCheck(cfg.AlgorithmTypeName, time.Since(begin).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := r.checkJobAPI.PersistJobItemProgress(ctx, item); err != nil {
		return fmt.Errorf("persist check begin time: %w", err)
	}

	parentAPI, err := r.jobAPIs.InventoryIncrementalForJobID(r.parentJobID)
	if err != nil {
		return fmt.Errorf("resolve parent job api: %w", err)
	}
	parentCfg, err := parentAPI.GetJobConfiguration(ctx, r.parentJobID)
	if err != nil {
		return fmt.Errorf("load parent job configuration: %w", err)
	}
	process, err := parentAPI.BuildProcessContext(parentCfg)
	if err != nil {
		return fmt.Errorf("build parent process context: %w", err)
	}
	checker, err := parentAPI.BuildDataConsistencyChecker(ctx, parentCfg, process, item.Progress())
	if err != nil {
		return fmt.Errorf("build data consistency checker: %w", err)
	}

	r.checker.Set(checker)
	// a Stop that ran before Set found no checker to cancel
	if r.checkExecutor.Stopping() {
		checker.Cancel()
	}
	metrics.CheckersRunning.Inc()
	result, err := checker.Check(ctx, cfg.AlgorithmTypeName, cfg.AlgorithmProps)
	canceling := checker.IsCanceling()
	metrics.CheckersRunning.Dec()
	if err != nil {
		return &CheckError{JobID: r.checkJobID, Canceling: canceling, Err: err}
	}

	r.logger.Info("consistency check finished",
		zap.Any("result", result),
		zap.Duration("elapsed", time.Since(begin)),
	)
	repo, err := r.governance.ForJobID(r.parentJobID)
	if err != nil {
		return fmt.Errorf("resolve governance repository: %w", err)
	}
	if err := repo.PersistCheckJobResult(ctx, r.parentJobID, r.checkJobID, result); err != nil {
		return fmt.Errorf("persist check job result: %w", err)
	}
	return nil
}

// DoStop cancels the published checker. RunBlocking cancels a checker published
// after this ran.
func (b *checkLifecycleBody) DoStop() {
	if checker, ok := b.runner.checker.Get(); ok {
		checker.Cancel()
	}
}
