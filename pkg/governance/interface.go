// Package governance persists cross-node pipeline job state and coordinates worker nodes.
package governance

import (
	"context"
	"errors"

	"pipecheck/pkg/models"
)

var ErrNotFound = errors.New("governance key not found")

// Repository persists check job results for one context key.
type Repository interface {
	// PersistCheckJobResult stores the result of checkJobID under its parent job.
	PersistCheckJobResult(ctx context.Context, parentJobID, checkJobID string, result models.CheckResultMap) error

	// GetCheckJobResult returns a stored result or ErrNotFound.
	GetCheckJobResult(ctx context.Context, parentJobID, checkJobID string) (models.CheckResultMap, error)
}

// Coordinator handles distributed coordination tasks.
type Coordinator interface {
	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election

	// RegisterNode publishes a node under a lease of ttl seconds.
	RegisterNode(ctx context.Context, nodeID, info string, ttl int) error

	// GetActiveNodes lists nodes whose lease is alive.
	GetActiveNodes(ctx context.Context) ([]string, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign starts the process of trying to become leader.
	// It blocks until leadership is acquired or an error occurs.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value (if any).
	Leader(ctx context.Context) (string, error)
}
