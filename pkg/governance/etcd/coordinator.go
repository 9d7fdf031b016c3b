package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"pipecheck/pkg/governance"
	"pipecheck/pkg/jobid"
	"pipecheck/pkg/resilience"
)

const nodesPrefix = "/pipecheck/nodes/"

var _ governance.Coordinator = (*EtcdCoordinator)(nil)

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
	breaker *resilience.CircuitBreaker
}

func NewEtcdCoordinator(endpoints []string, ttl int, breaker *resilience.CircuitBreaker) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps its lease alive, elections are bound to it.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("etcd", resilience.DefaultCircuitBreakerConfig())
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
		breaker: breaker,
	}, nil
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Repository returns the governance repository of a context key. Use it as a governance.Provider.
func (c *EtcdCoordinator) Repository(key jobid.ContextKey) governance.Repository {
	return NewEtcdRepository(c.client, key, c.breaker)
}

func (c *EtcdCoordinator) NewElection(name string) governance.Election {
	e := concurrency.NewElection(c.session, "/pipecheck/elections/"+name)
	return &EtcdElection{election: e}
}

// EtcdElection wraps the etcd concurrency.Election struct
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", concurrency.ErrElectionNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}

// RegisterNode puts the node key under a fresh lease. Callers repeat it more often than ttl.
func (c *EtcdCoordinator) RegisterNode(ctx context.Context, nodeID, info string, ttl int) error {
	resp, err := c.client.Grant(ctx, int64(ttl))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	_, err = c.client.Put(ctx, nodesPrefix+nodeID, info, clientv3.WithLease(resp.ID))
	if err != nil {
		return fmt.Errorf("failed to put node key: %w", err)
	}
	return nil
}

func (c *EtcdCoordinator) GetActiveNodes(ctx context.Context) ([]string, error) {
	resp, err := c.client.Get(ctx, nodesPrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := strings.TrimPrefix(string(kv.Key), nodesPrefix); id != "" {
			nodes = append(nodes, id)
		}
	}
	return nodes, nil
}
