// Package executor is the worker node: it consumes check job commands, owns the
// runners of the jobs it started and announces itself to the cluster.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"pipecheck/pkg/consistencycheck"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/metrics"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

// WorkerGroup is the consumer group shared by all nodes. Each START is handled by one node.
const WorkerGroup = "pipecheck-workers"

// CheckJobSource loads check job configurations.
type CheckJobSource interface {
	GetCheckJobConfiguration(ctx context.Context, jobID string) (*models.CheckJobConfiguration, error)
}

// NodeRegistry publishes node liveness.
type NodeRegistry interface {
	RegisterNode(ctx context.Context, nodeID, info string, ttl int) error
}

type Config struct {
	ID                string
	Consumers         int
	HeartbeatInterval time.Duration
	// TTL of the node key in seconds, larger than HeartbeatInterval.
	TTL int
	// ShutdownTimeout bounds how long shutdown waits for released checks.
	ShutdownTimeout time.Duration
}

// NodeInfo is the heartbeat payload.
type NodeInfo struct {
	ID        string    `yaml:"id"`
	Hostname  string    `yaml:"hostname"`
	CPUs      int       `yaml:"cpus"`
	MemoryMB  uint64    `yaml:"memoryMB"`
	Running   int       `yaml:"running"`
	StartedAt time.Time `yaml:"startedAt"`
}

type Node struct {
	ID       string
	Hostname string
	TotalCPU int
	TotalMem uint64 // In MB

	cfg       Config
	queue     storage.CommandQueue
	registry  NodeRegistry
	checkJobs CheckJobSource
	deps      consistencycheck.Dependencies
	process   *consistencycheck.ProcessContext
	logger    *zap.Logger
	startedAt time.Time

	mu      sync.Mutex
	runners map[string]*consistencycheck.TasksRunner
}

func NewNode(cfg Config, queue storage.CommandQueue, registry NodeRegistry, checkJobs CheckJobSource,
	process *consistencycheck.ProcessContext, deps consistencycheck.Dependencies) *Node {
	hostname, _ := os.Hostname()
	if cfg.ID == "" {
		cfg.ID = NewNodeID(hostname)
	}
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("node_id", cfg.ID))
	deps.Logger = log

	return &Node{
		ID:        cfg.ID,
		Hostname:  hostname,
		TotalCPU:  runtime.NumCPU(),
		TotalMem:  detectTotalMemory(log),
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		checkJobs: checkJobs,
		deps:      deps,
		process:   process,
		logger:    log,
		runners:   make(map[string]*consistencycheck.TasksRunner),
	}
}

// NewNodeID derives a unique node id from the hostname.
func NewNodeID(hostname string) string {
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}

func detectTotalMemory(log *zap.Logger) uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to detect memory, defaulting to 1GB", zap.Error(err))
		return 1024
	}
	return v.Total / 1024 / 1024
}

func (n *Node) nodeGroup() string {
	return "pipecheck-node-" + n.ID
}

// Start runs the heartbeat and the command consumers until ctx is done, then
// releases every local runner and hands its check to the cluster.
func (n *Node) Start(ctx context.Context) error {
	n.startedAt = time.Now()
	// STOP must reach the node owning the runner, so every node also reads the
	// stream through a group of its own.
	for _, group := range []string{WorkerGroup, n.nodeGroup()} {
		if err := n.queue.EnsureGroup(ctx, group); err != nil {
			return fmt.Errorf("ensure consumer group %s: %w", group, err)
		}
	}
	n.logger.Info("worker node started",
		zap.Int("consumers", n.cfg.Consumers),
		zap.Int("cpus", n.TotalCPU),
		zap.Uint64("memory_mb", n.TotalMem),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.heartbeatLoop(gctx)
		return nil
	})
	for i := 0; i < n.cfg.Consumers; i++ {
		g.Go(func() error {
			n.consume(gctx, WorkerGroup, n.handleShared)
			return nil
		})
	}
	g.Go(func() error {
		n.consume(gctx, n.nodeGroup(), n.handleOwned)
		return nil
	})
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()
	if ids := n.ReleaseAll(sctx); len(ids) > 0 {
		n.logger.Info("handed off check jobs", zap.Strings("check_job_ids", ids))
	}
	n.logger.Info("worker node stopped")
	return err
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	if err := n.RegisterHeartbeat(ctx); err != nil {
		n.logger.Warn("heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.RegisterHeartbeat(ctx); err != nil {
				n.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// RegisterHeartbeat refreshes the node key with its current info.
func (n *Node) RegisterHeartbeat(ctx context.Context) error {
	info, err := yaml.Marshal(NodeInfo{
		ID:        n.ID,
		Hostname:  n.Hostname,
		CPUs:      n.TotalCPU,
		MemoryMB:  n.TotalMem,
		Running:   len(n.RunningJobs()),
		StartedAt: n.startedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode node info: %w", err)
	}
	if err := n.registry.RegisterNode(ctx, n.ID, string(info), n.cfg.TTL); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	n.logger.Debug("heartbeat sent")
	metrics.HeartbeatsSent.Inc()
	return nil
}

func (n *Node) consume(ctx context.Context, group string, handle func(context.Context, *models.JobCommand)) {
	for ctx.Err() == nil {
		msgID, cmd, err := n.queue.Pop(ctx, group, n.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Error("failed to pop command", zap.String("group", group), zap.Error(err))
			if msgID != "" {
				// undecodable, never deliverable
				n.ack(ctx, group, msgID)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if cmd == nil {
			continue
		}
		handle(ctx, cmd)
		n.ack(ctx, group, msgID)
	}
}

func (n *Node) ack(ctx context.Context, group, msgID string) {
	if err := n.queue.Ack(ctx, group, msgID); err != nil {
		n.logger.Warn("failed to ack command", zap.String("msg_id", msgID), zap.Error(err))
	}
}

func (n *Node) handleShared(ctx context.Context, cmd *models.JobCommand) {
	if cmd.Action != models.CommandStart {
		return
	}
	metrics.CommandsConsumed.WithLabelValues(string(cmd.Action)).Inc()
	if err := n.StartJob(ctx, cmd.JobID); err != nil {
		n.logger.Error("failed to start check job", zap.String("check_job_id", cmd.JobID), zap.Error(err))
	}
}

func (n *Node) handleOwned(_ context.Context, cmd *models.JobCommand) {
	if cmd.Action != models.CommandStop {
		return
	}
	if n.stopRunner(cmd.JobID) {
		metrics.CommandsConsumed.WithLabelValues(string(cmd.Action)).Inc()
	}
}

// ErrJobDisabled is returned when a START arrives for a disabled check job.
var ErrJobDisabled = errors.New("check job is disabled")

// StartJob creates and starts the runner of a check job. Starting a job that
// already runs here is a no-op.
func (n *Node) StartJob(ctx context.Context, jobID string) error {
	cfg, err := n.checkJobs.GetCheckJobConfiguration(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load check job: %w", err)
	}
	if cfg.Disabled {
		return ErrJobDisabled
	}

	n.mu.Lock()
	if _, ok := n.runners[jobID]; ok {
		n.mu.Unlock()
		n.logger.Debug("check job already running", zap.String("check_job_id", jobID))
		return nil
	}
	item := consistencycheck.NewJobItemContext(cfg, 0, n.process)
	runner, err := consistencycheck.NewTasksRunner(item, n.deps)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.runners[jobID] = runner
	n.mu.Unlock()

	if err := runner.Start(ctx); err != nil {
		n.release(jobID, runner)
		return err
	}
	return nil
}

// stopRunner asks a local runner to stop. Its callback releases it.
func (n *Node) stopRunner(jobID string) bool {
	n.mu.Lock()
	runner, ok := n.runners[jobID]
	n.mu.Unlock()
	if !ok {
		return false
	}
	n.logger.Info("stopping check job", zap.String("check_job_id", jobID))
	runner.Stop()
	return true
}

// StopJob releases the runner of jobID. It implements consistencycheck.JobStopper.
func (n *Node) StopJob(jobID string) {
	n.mu.Lock()
	runner, ok := n.runners[jobID]
	delete(n.runners, jobID)
	n.mu.Unlock()
	if ok {
		runner.Stop()
	}
}

func (n *Node) release(jobID string, runner *consistencycheck.TasksRunner) {
	n.mu.Lock()
	if n.runners[jobID] == runner {
		delete(n.runners, jobID)
	}
	n.mu.Unlock()
}

// ReleaseAll releases every local runner, waits for each to report its outcome
// and pushes a START for the checks that were still running, so another node
// resumes them. It returns the handed off job ids.
func (n *Node) ReleaseAll(ctx context.Context) []string {
	n.mu.Lock()
	runners := make(map[string]*consistencycheck.TasksRunner, len(n.runners))
	for id, r := range n.runners {
		runners[id] = r
	}
	n.mu.Unlock()

	for _, r := range runners {
		r.Release()
	}

	handedOff := make([]string, 0, len(runners))
	for id, r := range runners {
		select {
		case <-r.Done():
		case <-ctx.Done():
			n.logger.Warn("check did not finish before shutdown deadline", zap.String("check_job_id", id))
			continue
		}
		n.release(id, r)
		if r.JobItemContext().Status() != models.JobStatusRunning {
			continue
		}
		cmd := &models.JobCommand{
			Action:    models.CommandStart,
			JobID:     id,
			IssuedAt:  time.Now().UTC(),
			RequestID: "handoff-" + n.ID,
		}
		if err := n.queue.Push(ctx, cmd); err != nil {
			n.logger.Error("failed to hand off check job", zap.String("check_job_id", id), zap.Error(err))
			continue
		}
		handedOff = append(handedOff, id)
	}
	sort.Strings(handedOff)
	return handedOff
}

// RunningJobs lists the check jobs with a live runner on this node.
func (n *Node) RunningJobs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.runners))
	for id := range n.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobItemContext returns the item context of a local runner.
func (n *Node) JobItemContext(jobID string) (*consistencycheck.JobItemContext, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.runners[jobID]
	if !ok {
		return nil, false
	}
	return r.JobItemContext(), true
}
