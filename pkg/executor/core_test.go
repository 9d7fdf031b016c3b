package executor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pipecheck/pkg/check"
	"pipecheck/pkg/consistencycheck"
	"pipecheck/pkg/execute"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/jobid"
	"pipecheck/pkg/migration"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

const eventually = 2 * time.Second

type queued struct {
	id  string
	cmd *models.JobCommand
}

// fakeQueue delivers every pushed command to every group, like a redis stream.
type fakeQueue struct {
	mu     sync.Mutex
	seq    int
	groups map[string]chan queued
	acked  map[string]int
	pushed []*models.JobCommand
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{groups: make(map[string]chan queued), acked: make(map[string]int)}
}

func (q *fakeQueue) EnsureGroup(_ context.Context, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.groups[group]; !ok {
		q.groups[group] = make(chan queued, 16)
	}
	return nil
}

func (q *fakeQueue) Push(_ context.Context, cmd *models.JobCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pushed = append(q.pushed, cmd)
	for _, ch := range q.groups {
		ch <- queued{id: strconv.Itoa(q.seq), cmd: cmd}
	}
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context, group, _ string) (string, *models.JobCommand, error) {
	q.mu.Lock()
	ch := q.groups[group]
	q.mu.Unlock()
	select {
	case m := <-ch:
		return m.id, m.cmd, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return "", nil, nil
	}
}

func (q *fakeQueue) pushedCommands() []*models.JobCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.JobCommand(nil), q.pushed...)
}

func (q *fakeQueue) Ack(_ context.Context, group, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[group]++
	return nil
}

type fakeNodeRegistry struct {
	mu    sync.Mutex
	infos map[string]string
}

func (r *fakeNodeRegistry) RegisterNode(_ context.Context, nodeID, info string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[nodeID] = info
	return nil
}

func (r *fakeNodeRegistry) info(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.infos[nodeID]
	return s, ok
}

type memStore struct {
	mu        sync.Mutex
	pipelines map[string]*models.PipelineJobConfiguration
	checks    map[string]*models.CheckJobConfiguration
	progress  map[string]models.JobItemProgress
	errs      map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		pipelines: make(map[string]*models.PipelineJobConfiguration),
		checks:    make(map[string]*models.CheckJobConfiguration),
		progress:  make(map[string]models.JobItemProgress),
		errs:      make(map[string]string),
	}
}

func (m *memStore) UpsertJobItemProgress(_ context.Context, p *models.JobItemProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.JobID] = *p
	return nil
}

func (m *memStore) GetJobItemProgress(_ context.Context, jobID string, _ int) (*models.JobItemProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) SaveJobItemError(_ context.Context, e *models.JobItemError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[e.JobID] = e.Message
	return nil
}

func (m *memStore) GetJobItemError(_ context.Context, jobID string, _ int) (*models.JobItemError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.errs[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &models.JobItemError{JobID: jobID, Message: msg}, nil
}

func (m *memStore) MarkOrphansAsFailed(context.Context, []string) (int64, error) { return 0, nil }

func (m *memStore) GetPipelineJob(_ context.Context, jobID string) (*models.PipelineJobConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.pipelines[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cfg, nil
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
	c := *cfg
	return &c, nil
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

func (m *memStore) status(jobID string) models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress[jobID].Status
}

type memRepo struct {
	mu      sync.Mutex
	results map[string]models.CheckResultMap
}

func (r *memRepo) PersistCheckJobResult(_ context.Context, parent, checkID string, res models.CheckResultMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[parent+"/"+checkID] = res
	return nil
}

func (r *memRepo) GetCheckJobResult(_ context.Context, parent, checkID string) (models.CheckResultMap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[parent+"/"+checkID]
	if !ok {
		return nil, governance.ErrNotFound
	}
	return res, nil
}

func (r *memRepo) ForJobID(string) (governance.Repository, error) { return r, nil }

// blockingChecker returns a match unless block is set, then waits for Cancel.
type blockingChecker struct {
	block    bool
	started  chan struct{}
	canceled chan struct{}
	once     sync.Once
}

func (c *blockingChecker) Check(context.Context, string, models.Properties) (models.CheckResultMap, error) {
	close(c.started)
	if !c.block {
		return models.CheckResultMap{"t_order": {Matched: true, SourceRecordsCount: 1, TargetRecordsCount: 1}}, nil
	}
	<-c.canceled
	return nil, check.ErrCanceled
}

func (c *blockingChecker) Cancel() { c.once.Do(func() { close(c.canceled) }) }

func (c *blockingChecker) IsCanceling() bool {
	select {
	case <-c.canceled:
		return true
	default:
		return false
	}
}

type harness struct {
	node     *Node
	queue    *fakeQueue
	nodes    *fakeNodeRegistry
	store    *memStore
	repo     *memRepo
	checker  *blockingChecker
	checkID  string
	parentID string
	done     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, block bool) *harness {
	t.Helper()
	key := jobid.ContextKey{Database: "sharding_db"}
	parentID, err := jobid.New(models.JobTypeMigration, key)
	require.NoError(t, err)
	checkID, err := jobid.New(models.JobTypeConsistencyCheck, key)
	require.NoError(t, err)

	h := &harness{
		queue:    newFakeQueue(),
		nodes:    &fakeNodeRegistry{infos: make(map[string]string)},
		store:    newMemStore(),
		repo:     &memRepo{results: make(map[string]models.CheckResultMap)},
		checker:  &blockingChecker{block: block, started: make(chan struct{}), canceled: make(chan struct{})},
		checkID:  checkID,
		parentID: parentID,
		done:     make(chan error, 1),
	}
	h.store.pipelines[parentID] = &models.PipelineJobConfiguration{
		JobID: parentID, Type: models.JobTypeMigration, SourceDSN: "src", TargetDSN: "dst", Tables: models.TableNames{"t_order"},
	}
	h.store.checks[checkID] = &models.CheckJobConfiguration{
		JobID: checkID, ParentJobID: parentID, AlgorithmTypeName: "DATA_MATCH", AlgorithmProps: models.Properties{"chunk-size": "1000"},
	}

	algorithms := check.NewRegistry()
	algorithms.Register("DATA_MATCH", func(check.Source, check.Source, *check.ProgressContext) (check.Checker, error) {
		return h.checker, nil
	})
	checkAPI := consistencycheck.NewJobAPI("node-a", h.store, h.store, zap.NewNop())
	engine := execute.NewEngine("test", 2, zap.NewNop())
	h.node = NewNode(
		Config{ID: "node-a", Consumers: 1, HeartbeatInterval: 10 * time.Millisecond, TTL: 1},
		h.queue, h.nodes, checkAPI,
		&consistencycheck.ProcessContext{ExecuteEngine: engine},
		consistencycheck.Dependencies{
			JobAPIs:    jobapi.NewRegistry(checkAPI, migration.NewJobAPI("node-a", h.store, h.store, algorithms)),
			Governance: h.repo,
			Logger:     zap.NewNop(),
		},
	)
	checkAPI.BindStopper(h.node)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.node.Start(ctx) }()
	require.Eventually(t, func() bool {
		h.queue.mu.Lock()
		defer h.queue.mu.Unlock()
		return len(h.queue.groups) == 2
	}, eventually, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-h.done
		sctx, scancel := context.WithTimeout(context.Background(), eventually)
		defer scancel()
		_ = engine.Shutdown(sctx)
	})
	return h
}

func (h *harness) push(t *testing.T, action models.CommandAction) {
	t.Helper()
	require.NoError(t, h.queue.Push(context.Background(), &models.JobCommand{Action: action, JobID: h.checkID, IssuedAt: time.Now()}))
}

func TestNode_StartCommandRunsCheck(t *testing.T) {
	h := newHarness(t, false)

	h.push(t, models.CommandStart)

	require.Eventually(t, func() bool {
		return h.store.status(h.checkID) == models.JobStatusFinished && len(h.node.RunningJobs()) == 0
	}, eventually, 5*time.Millisecond)

	res, err := h.repo.GetCheckJobResult(context.Background(), h.parentID, h.checkID)
	require.NoError(t, err)
	assert.True(t, res["t_order"].Matched)

	cfg, err := h.store.GetCheckJob(context.Background(), h.checkID)
	require.NoError(t, err)
	assert.True(t, cfg.Disabled, "finished check job is disabled by its teardown")

	p, err := h.store.GetJobItemProgress(context.Background(), h.checkID, 0)
	require.NoError(t, err)
	require.NotNil(t, p.NodeID)
	assert.Equal(t, "node-a", *p.NodeID)
	assert.NotNil(t, p.CheckEndTime)
}

func TestNode_StopCommandCancelsCheck(t *testing.T) {
	h := newHarness(t, true)

	h.push(t, models.CommandStart)
	select {
	case <-h.checker.started:
	case <-time.After(eventually):
		t.Fatal("checker never started")
	}
	assert.Equal(t, []string{h.checkID}, h.node.RunningJobs())
	item, ok := h.node.JobItemContext(h.checkID)
	require.True(t, ok)
	assert.Equal(t, h.checkID, item.JobID())

	h.push(t, models.CommandStop)

	require.Eventually(t, func() bool { return len(h.node.RunningJobs()) == 0 }, eventually, 5*time.Millisecond)
	assert.True(t, h.checker.IsCanceling())
	_, err := h.store.GetJobItemError(context.Background(), h.checkID, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, models.JobStatusRunning, h.store.status(h.checkID))
}

func TestNode_DisabledJobIsNotStarted(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.store.DisableCheckJob(context.Background(), h.checkID))

	err := h.node.StartJob(context.Background(), h.checkID)

	assert.ErrorIs(t, err, ErrJobDisabled)
	assert.Empty(t, h.node.RunningJobs())
}

func TestNode_StartJobTwiceIsNoop(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.node.StartJob(context.Background(), h.checkID))
	require.NoError(t, h.node.StartJob(context.Background(), h.checkID))

	assert.Len(t, h.node.RunningJobs(), 1)
	h.node.StopJob(h.checkID)
	assert.Empty(t, h.node.RunningJobs())
}

func TestNode_HeartbeatPublishesInfo(t *testing.T) {
	h := newHarness(t, false)

	var raw string
	require.Eventually(t, func() bool {
		var ok bool
		raw, ok = h.nodes.info("node-a")
		return ok
	}, eventually, 5*time.Millisecond)

	var info NodeInfo
	require.NoError(t, yaml.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "node-a", info.ID)
	assert.Positive(t, info.CPUs)
}

func TestNode_ShutdownHandsOffRunningCheck(t *testing.T) {
	h := newHarness(t, true)

	h.push(t, models.CommandStart)
	select {
	case <-h.checker.started:
	case <-time.After(eventually):
		t.Fatal("checker never started")
	}

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(eventually):
		t.Fatal("node did not stop")
	}

	assert.True(t, h.checker.IsCanceling())
	assert.Empty(t, h.node.RunningJobs())
	cfg, err := h.store.GetCheckJob(context.Background(), h.checkID)
	require.NoError(t, err)
	assert.False(t, cfg.Disabled, "a check interrupted by shutdown can run again")
	assert.Equal(t, models.JobStatusRunning, h.store.status(h.checkID))

	cmds := h.queue.pushedCommands()
	require.Len(t, cmds, 2)
	handoff := cmds[1]
	assert.Equal(t, models.CommandStart, handoff.Action)
	assert.Equal(t, h.checkID, handoff.JobID)
	assert.Equal(t, "handoff-node-a", handoff.RequestID)
}

func TestNode_ReleaseAllSkipsFinishedChecks(t *testing.T) {
	h := newHarness(t, false)

	h.push(t, models.CommandStart)
	require.Eventually(t, func() bool {
		return h.store.status(h.checkID) == models.JobStatusFinished && len(h.node.RunningJobs()) == 0
	}, eventually, 5*time.Millisecond)

	assert.Empty(t, h.node.ReleaseAll(context.Background()))
	assert.Len(t, h.queue.pushedCommands(), 1)
}

func TestNewNodeID(t *testing.T) {
	id := NewNodeID("worker-0")
	assert.Regexp(t, `^worker-0-[0-9a-f]{8}$`, id)
}
