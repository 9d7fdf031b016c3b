// Package scheduler is the cluster-wide reconciler. Only the elected leader reaps
// check job items left RUNNING by nodes that stopped heartbeating.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pipecheck/pkg/governance"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/metrics"
	"pipecheck/pkg/storage"
)

// NodeLister lists the nodes whose heartbeat is alive.
type NodeLister interface {
	GetActiveNodes(ctx context.Context) ([]string, error)
}

type Core struct {
	progress storage.ProgressStore
	nodes    NodeLister
	interval time.Duration
	logger   *zap.Logger
}

func NewCore(progress storage.ProgressStore, nodes NodeLister, interval time.Duration, log *zap.Logger) *Core {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}
	return &Core{
		progress: progress,
		nodes:    nodes,
		interval: interval,
		logger:   log.With(zap.String("component", "reconciler")),
	}
}

// Run reconciles on every tick while self is the leader of election.
// It blocks until the context is cancelled.
func (c *Core) Run(ctx context.Context, election governance.Election, self string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler shutting down")
			return
		case <-ticker.C:
			leader, err := election.Leader(ctx)
			if err != nil {
				c.logger.Warn("failed to check leadership", zap.Error(err))
				continue
			}
			if leader != self {
				c.logger.Debug("not the leader, skip reconcile", zap.String("leader", leader))
				continue
			}
			if _, err := c.Reconcile(ctx); err != nil {
				c.logger.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Reconcile fails the RUNNING items owned by dead nodes and returns how many it reaped.
func (c *Core) Reconcile(ctx context.Context) (int64, error) {
	nodes, err := c.nodes.GetActiveNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active nodes: %w", err)
	}
	metrics.ActiveNodes.Set(float64(len(nodes)))

	count, err := c.progress.MarkOrphansAsFailed(ctx, nodes)
	if err != nil {
		return 0, fmt.Errorf("failed to reap orphans: %w", err)
	}
	if count > 0 {
		metrics.OrphansReaped.Add(float64(count))
		c.logger.Warn("reaped orphaned check job items", zap.Int64("count", count), zap.Int("active_nodes", len(nodes)))
	}
	return count, nil
}
