package etcd

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"

	"pipecheck/pkg/governance"
	"pipecheck/pkg/jobid"
	"pipecheck/pkg/metrics"
	"pipecheck/pkg/models"
	"pipecheck/pkg/resilience"
)

// EtcdRepository stores governance data of one context key as YAML values.
type EtcdRepository struct {
	kv      clientv3.KV
	root    string
	breaker *resilience.CircuitBreaker
}

func NewEtcdRepository(kv clientv3.KV, key jobid.ContextKey, breaker *resilience.CircuitBreaker) *EtcdRepository {
	return &EtcdRepository{
		kv:      kv,
		root:    fmt.Sprintf("/pipeline/%s", key),
		breaker: breaker,
	}
}

func (r *EtcdRepository) checkResultKey(parentJobID, checkJobID string) string {
	return fmt.Sprintf("%s/jobs/%s/check/results/%s", r.root, parentJobID, checkJobID)
}

func (r *EtcdRepository) PersistCheckJobResult(ctx context.Context, parentJobID, checkJobID string, result models.CheckResultMap) error {
	if result == nil {
		result = models.CheckResultMap{}
	}
	value, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode check result: %w", err)
	}
	if err := r.put(ctx, r.checkResultKey(parentJobID, checkJobID), string(value)); err != nil {
		return fmt.Errorf("failed to persist check result of %s: %w", checkJobID, err)
	}
	return nil
}

func (r *EtcdRepository) GetCheckJobResult(ctx context.Context, parentJobID, checkJobID string) (models.CheckResultMap, error) {
	resp, err := r.kv.Get(ctx, r.checkResultKey(parentJobID, checkJobID))
	if err != nil {
		return nil, fmt.Errorf("failed to get check result of %s: %w", checkJobID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, governance.ErrNotFound
	}
	result := models.CheckResultMap{}
	if err := yaml.Unmarshal(resp.Kvs[0].Value, &result); err != nil {
		return nil, fmt.Errorf("failed to decode check result of %s: %w", checkJobID, err)
	}
	return result, nil
}

func (r *EtcdRepository) put(ctx context.Context, key, value string) error {
	put := func() error {
		_, err := r.kv.Put(ctx, key, value)
		return err
	}
	if r.breaker == nil {
		return put()
	}
	err := r.breaker.Execute(ctx, put)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.GovernanceRejected.Inc()
	}
	return err
}
