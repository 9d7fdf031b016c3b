package consistencycheck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

type memStore struct {
	mu       sync.Mutex
	progress map[string]*models.JobItemProgress
	errs     map[string]*models.JobItemError
	checks   map[string]*models.CheckJobConfiguration
}

func newMemStore() *memStore {
	return &memStore{
		progress: make(map[string]*models.JobItemProgress),
		errs:     make(map[string]*models.JobItemError),
		checks:   make(map[string]*models.CheckJobConfiguration),
	}
}

func (m *memStore) UpsertJobItemProgress(_ context.Context, p *models.JobItemProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.JobID] = p
	return nil
}

func (m *memStore) GetJobItemProgress(_ context.Context, jobID string, _ int) (*models.JobItemProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) SaveJobItemError(_ context.Context, e *models.JobItemError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[e.JobID] = e
	return nil
}

func (m *memStore) GetJobItemError(_ context.Context, jobID string, _ int) (*models.JobItemError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.errs[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) MarkOrphansAsFailed(context.Context, []string) (int64, error) { return 0, nil }

func (m *memStore) GetPipelineJob(context.Context, string) (*models.PipelineJobConfiguration, error) {
	return nil, storage.ErrNotFound
}

func (m *memStore) CreateCheckJob(_ context.Context, cfg *models.CheckJobConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[cfg.JobID] = cfg
	return nil
}

func (m *memStore) GetCheckJob(_ context.Context, jobID string) (*models.CheckJobConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.checks[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cfg, nil
}

func (m *memStore) DisableCheckJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.checks[jobID]
	if !ok {
		return storage.ErrNotFound
	}
	cfg.Disabled = true
	return nil
}

type recordingStopper struct {
	mu   sync.Mutex
	jobs []string
}

func (s *recordingStopper) StopJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobID)
}

func TestJobAPI_PersistProgress(t *testing.T) {
	store := newMemStore()
	api := NewJobAPI("node-a", store, store, zap.NewNop())
	item := NewJobItemContext(&models.CheckJobConfiguration{JobID: "j1"}, 0, &ProcessContext{})
	item.Progress().SetCheckBeginTime(time.UnixMilli(1000))
	item.Progress().MarkTableChecked("t_order")

	require.NoError(t, api.PersistJobItemProgress(context.Background(), item))

	got, err := store.GetJobItemProgress(context.Background(), "j1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, "node-a", *got.NodeID)
	assert.Equal(t, models.TableNames{"t_order"}, got.CheckedTableNames)
	require.NotNil(t, got.CheckBeginTime)
	assert.Equal(t, int64(1000), got.CheckBeginTime.UnixMilli())
	assert.Nil(t, got.CheckEndTime)
}

func TestJobAPI_PersistErrorMessage(t *testing.T) {
	store := newMemStore()
	api := NewJobAPI("node-a", store, store, zap.NewNop())

	require.NoError(t, api.PersistJobItemErrorMessage(context.Background(), "j1", 0, errors.New("boom")))

	got, err := store.GetJobItemError(context.Background(), "j1", 0)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, 0, got.ShardingItem)
}

func TestJobAPI_StopIsIdempotent(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateCheckJob(context.Background(), &models.CheckJobConfiguration{JobID: "j1", ParentJobID: "p1"}))
	api := NewJobAPI("node-a", store, store, zap.NewNop())
	stopper := &recordingStopper{}
	api.BindStopper(stopper)

	require.NoError(t, api.Stop(context.Background(), "j1"))
	require.NoError(t, api.Stop(context.Background(), "j1"))
	require.NoError(t, api.Stop(context.Background(), "unknown"))

	cfg, err := api.GetCheckJobConfiguration(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, cfg.Disabled)
	assert.Equal(t, []string{"j1", "j1", "unknown"}, stopper.jobs)
}
