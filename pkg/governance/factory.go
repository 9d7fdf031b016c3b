package governance

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pipecheck/pkg/jobid"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

// Provider creates the repository of one context key.
type Provider func(key jobid.ContextKey) Repository

// Factory hands out one repository per context key, so tenants never share a key space.
type Factory struct {
	provider Provider
	archive  storage.ReportStore
	logger   *zap.Logger

	mu    sync.Mutex
	repos map[jobid.ContextKey]Repository
}

type FactoryOption func(*Factory)

// WithArchive also uploads every persisted result to store.
func WithArchive(store storage.ReportStore) FactoryOption {
	return func(f *Factory) { f.archive = store }
}

func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

func NewFactory(provider Provider, opts ...FactoryOption) *Factory {
	f := &Factory{
		provider: provider,
		logger:   logger.Get(),
		repos:    make(map[jobid.ContextKey]Repository),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Repository returns the cached repository for key.
func (f *Factory) Repository(key jobid.ContextKey) Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	if repo, ok := f.repos[key]; ok {
		return repo
	}
	repo := f.provider(key)
	if f.archive != nil {
		repo = &archivingRepository{Repository: repo, key: key, archive: f.archive, logger: f.logger}
	}
	f.repos[key] = repo
	return repo
}

// ForJobID returns the repository of the context key encoded in jobID.
func (f *Factory) ForJobID(jobID string) (Repository, error) {
	key, err := jobid.ParseContextKey(jobID)
	if err != nil {
		return nil, err
	}
	return f.Repository(key), nil
}

// archivingRepository copies results to a report store after the governance write succeeded.
// Archive failures are logged, never returned.
type archivingRepository struct {
	Repository
	key     jobid.ContextKey
	archive storage.ReportStore
	logger  *zap.Logger
}

func (r *archivingRepository) PersistCheckJobResult(ctx context.Context, parentJobID, checkJobID string, result models.CheckResultMap) error {
	if err := r.Repository.PersistCheckJobResult(ctx, parentJobID, checkJobID, result); err != nil {
		return err
	}
	report, err := yaml.Marshal(result)
	if err != nil {
		r.logger.Warn("failed to encode check report", zap.String("check_job_id", checkJobID), zap.Error(err))
		return nil
	}
	name := fmt.Sprintf("%s/%s/%s.yaml", r.key, parentJobID, checkJobID)
	ref, err := r.archive.Store(ctx, name, report)
	if err != nil {
		r.logger.Warn("failed to archive check report", zap.String("check_job_id", checkJobID), zap.Error(err))
		return nil
	}
	r.logger.Debug("check report archived", zap.String("check_job_id", checkJobID), zap.String("reference", ref))
	return nil
}
