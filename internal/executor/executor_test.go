package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/scheduler"
	"github.com/t77yq/transfer-scheduler/internal/storage"
	"github.com/t77yq/transfer-scheduler/internal/timeconv"
	"github.com/t77yq/transfer-scheduler/internal/transfer"
)

type fakeEngine struct {
	mu       sync.Mutex
	requests []*transfer.Request
	jobID    uint64
	err      error
	block    chan struct{}
	status   *transfer.JobStatus
	stopped  []uint64
}

func (f *fakeEngine) Start(ctx context.Context, req *transfer.Request) (uint64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.jobID, f.err
}

func (f *fakeEngine) JobStatus(ctx context.Context, jobID uint64) (*transfer.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return &transfer.JobStatus{ID: jobID}, nil
	}
	return f.status, nil
}

func (f *fakeEngine) StopJob(_ context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, jobID)
	return nil
}

func (f *fakeEngine) stoppedJobs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.stopped...)
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failed: make(map[string]string)}
}

func (n *fakeNotifier) TaskCompleted(_ context.Context, taskID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, taskID)
	return nil
}

func (n *fakeNotifier) TaskFailed(_ context.Context, taskID, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[taskID] = errMsg
	return nil
}

type fakeHistory struct {
	mu   sync.Mutex
	runs map[string]storage.TaskRun
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{runs: make(map[string]storage.TaskRun)}
}

func (h *fakeHistory) Store(_ context.Context, run *storage.TaskRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[run.ID] = *run
	return nil
}

func (h *fakeHistory) Update(_ context.Context, run *storage.TaskRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[run.ID] = *run
	return nil
}

func (h *fakeHistory) only(t *testing.T) storage.TaskRun {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.runs, 1)
	for _, run := range h.runs {
		return run
	}
	return storage.TaskRun{}
}

func nextRunNever(string, time.Time) (time.Time, error) {
	return time.Time{}, errors.New("unused")
}

func newStoreWith(t *testing.T, status model.TaskStatus) *scheduler.TaskStore {
	t.Helper()
	store := scheduler.NewTaskStore(nextRunNever, zap.NewNop())
	require.NoError(t, store.Add(&model.ScheduledTask{
		ID:             "nas-sync",
		Name:           "nas - sync",
		TaskType:       model.TaskTypeSync,
		CronExpression: "0 2 * * *",
		Status:         status,
		Args: model.TaskArgs{
			"remote_name":           "nas",
			"source":                "nas:data",
			"dest":                  "/backup",
			"create_empty_src_dirs": true,
			"sync_options":          map[string]interface{}{"Transfers": float64(4)},
		},
		CreatedAt: time.Now().UTC(),
	}))
	return store
}

func TestExecute_Success(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{jobID: 31}
	notifier := newFakeNotifier()
	history := newFakeHistory()
	exec := NewExecutor(store, engine, notifier, DefaultConfig(), zap.NewNop(), WithHistory(history))

	require.NoError(t, exec.Execute(context.Background(), "nas-sync"))

	task, _ := store.Get("nas-sync")
	assert.Equal(t, model.TaskStatusEnabled, task.Status)
	assert.Equal(t, uint64(1), task.RunCount)
	assert.Equal(t, uint64(1), task.SuccessCount)
	assert.Zero(t, task.FailureCount)
	require.NotNil(t, task.CurrentJobID)
	assert.Equal(t, uint64(31), *task.CurrentJobID)
	assert.NotNil(t, task.LastRun)
	assert.Empty(t, task.LastError)

	require.Equal(t, 1, engine.startCount())
	req := engine.requests[0]
	assert.Equal(t, model.TaskTypeSync, req.Type)
	assert.Equal(t, "nas:data", req.Source)
	assert.True(t, req.CreateEmptySrcDirs)
	assert.Equal(t, map[string]interface{}{"Transfers": float64(4)}, req.Options)

	assert.Equal(t, []string{"nas-sync"}, notifier.completed)
	run := history.only(t)
	assert.Equal(t, storage.RunStatusDispatched, run.Status)
	require.NotNil(t, run.JobID)
	assert.Equal(t, uint64(31), *run.JobID)
}

func TestExecute_ClearsPreviousError(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	_, err := store.Update("nas-sync", func(task *model.ScheduledTask) {
		task.LastError = "old failure"
	})
	require.NoError(t, err)

	exec := NewExecutor(store, &fakeEngine{jobID: 1}, newFakeNotifier(), DefaultConfig(), zap.NewNop())
	require.NoError(t, exec.Execute(context.Background(), "nas-sync"))

	task, _ := store.Get("nas-sync")
	assert.Empty(t, task.LastError)
}

func TestExecute_EngineFailure(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{err: fmt.Errorf("%w: HTTP 500", transfer.ErrTransferEngine)}
	notifier := newFakeNotifier()
	history := newFakeHistory()
	exec := NewExecutor(store, engine, notifier, DefaultConfig(), zap.NewNop(), WithHistory(history))

	err := exec.Execute(context.Background(), "nas-sync")
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrTransferEngine)

	task, _ := store.Get("nas-sync")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, uint64(1), task.RunCount)
	assert.Equal(t, uint64(1), task.FailureCount)
	assert.Zero(t, task.SuccessCount)
	assert.Contains(t, task.LastError, "HTTP 500")
	assert.NotNil(t, task.LastRun)
	assert.Nil(t, task.CurrentJobID)

	assert.Contains(t, notifier.failed["nas-sync"], "HTTP 500")
	run := history.only(t)
	assert.Equal(t, storage.RunStatusFailed, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestExecute_MissingFieldRecordedAsFailure(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	_, err := store.Update("nas-sync", func(task *model.ScheduledTask) {
		delete(task.Args, "dest")
	})
	require.NoError(t, err)
	engine := &fakeEngine{jobID: 1}
	exec := NewExecutor(store, engine, newFakeNotifier(), DefaultConfig(), zap.NewNop())

	err = exec.Execute(context.Background(), "nas-sync")
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Equal(t, 0, engine.startCount())

	task, _ := store.Get("nas-sync")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
}

func TestExecute_RefusesWhenNotRunnable(t *testing.T) {
	tests := []struct {
		status  model.TaskStatus
		wantErr error
	}{
		{model.TaskStatusDisabled, scheduler.ErrTaskNotEnabled},
		{model.TaskStatusFailed, scheduler.ErrTaskNotEnabled},
		{model.TaskStatusRunning, scheduler.ErrAlreadyRunning},
		{model.TaskStatusStopping, scheduler.ErrAlreadyRunning},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := newStoreWith(t, tt.status)
			engine := &fakeEngine{jobID: 1}
			exec := NewExecutor(store, engine, newFakeNotifier(), DefaultConfig(), zap.NewNop())

			err := exec.Execute(context.Background(), "nas-sync")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), string(tt.status))

			task, _ := store.Get("nas-sync")
			assert.Equal(t, tt.status, task.Status)
			assert.Zero(t, task.RunCount)
			assert.Equal(t, 0, engine.startCount())
		})
	}
}

func TestExecute_NotFound(t *testing.T) {
	store := scheduler.NewTaskStore(nextRunNever, zap.NewNop())
	exec := NewExecutor(store, &fakeEngine{}, newFakeNotifier(), DefaultConfig(), zap.NewNop())

	err := exec.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestExecute_SingleFlight(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{jobID: 5, block: make(chan struct{})}
	exec := NewExecutor(store, engine, newFakeNotifier(), DefaultConfig(), zap.NewNop())

	first := make(chan error, 1)
	go func() { first <- exec.Execute(context.Background(), "nas-sync") }()

	require.Eventually(t, func() bool {
		task, _ := store.Get("nas-sync")
		return task.Status == model.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	err := exec.Execute(context.Background(), "nas-sync")
	assert.ErrorIs(t, err, scheduler.ErrAlreadyRunning)

	close(engine.block)
	require.NoError(t, <-first)

	task, _ := store.Get("nas-sync")
	assert.Equal(t, uint64(1), task.RunCount)
	assert.Equal(t, 1, engine.startCount())
}

func TestExecute_StopRequestedWhileDispatching(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{jobID: 5, block: make(chan struct{})}
	exec := NewExecutor(store, engine, newFakeNotifier(), DefaultConfig(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), "nas-sync") }()

	require.Eventually(t, func() bool {
		task, _ := store.Get("nas-sync")
		return task.Status == model.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	toggled, err := store.ToggleStatus("nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopping, toggled.Status)

	close(engine.block)
	require.NoError(t, <-done)

	task, _ := store.Get("nas-sync")
	assert.Equal(t, model.TaskStatusDisabled, task.Status)
	assert.Nil(t, task.NextRun)
	assert.Equal(t, []uint64{5}, engine.stoppedJobs())
}

func TestExecute_ServiceStopAbortsDispatchedJob(t *testing.T) {
	engine := &fakeEngine{jobID: 8, block: make(chan struct{})}
	svc, err := scheduler.NewService(timeconv.NewConverter(time.UTC, zap.NewNop()), zap.NewNop(),
		scheduler.WithJobStopper(engine))
	require.NoError(t, err)
	store := svc.Store()
	require.NoError(t, store.Add(&model.ScheduledTask{
		ID:             "nas-copy",
		TaskType:       model.TaskTypeCopy,
		CronExpression: "0 2 * * *",
		Status:         model.TaskStatusEnabled,
		Args:           model.TaskArgs{"remote_name": "nas", "source": "nas:data", "dest": "/backup"},
	}))
	exec := NewExecutor(store, engine, newFakeNotifier(), DefaultConfig(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), "nas-copy") }()

	require.Eventually(t, func() bool {
		task, _ := store.Get("nas-copy")
		return task.Status == model.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	stopping, err := svc.StopTask(context.Background(), "nas-copy")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopping, stopping.Status)
	assert.Empty(t, engine.stoppedJobs())

	close(engine.block)
	require.NoError(t, <-done)

	task, _ := store.Get("nas-copy")
	assert.Equal(t, model.TaskStatusDisabled, task.Status)
	assert.Equal(t, []uint64{8}, engine.stoppedJobs())

	// the transfer is still in flight so a second stop goes straight to the engine
	_, err = svc.StopTask(context.Background(), "nas-copy")
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 8}, engine.stoppedJobs())

	_, err = svc.JobFinished(8, "job stopped")
	require.NoError(t, err)
	_, err = svc.StopTask(context.Background(), "nas-copy")
	assert.ErrorIs(t, err, scheduler.ErrNotRunning)
}

type fakeTracker struct {
	mu       sync.Mutex
	finished map[uint64]string
}

func (f *fakeTracker) JobFinished(jobID uint64, errMsg string) (*model.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[jobID] = errMsg
	return nil, nil
}

func (f *fakeTracker) get(jobID uint64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.finished[jobID]
	return msg, ok
}

func TestExecute_WatchesDispatchedJob(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{jobID: 12, status: &transfer.JobStatus{ID: 12, Finished: true, Error: "checksum mismatch"}}
	tracker := &fakeTracker{finished: make(map[uint64]string)}
	history := newFakeHistory()
	exec := NewExecutor(store, engine, newFakeNotifier(),
		Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop(),
		WithJobTracker(tracker), WithHistory(history))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, exec.Execute(ctx, "nas-sync"))

	require.Eventually(t, func() bool {
		_, ok := tracker.get(12)
		return ok
	}, time.Second, 10*time.Millisecond)

	msg, _ := tracker.get(12)
	assert.Equal(t, "checksum mismatch", msg)

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		for _, run := range history.runs {
			return run.Status == storage.RunStatusFailed
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRun_ConsumesTriggers(t *testing.T) {
	store := newStoreWith(t, model.TaskStatusEnabled)
	engine := &fakeEngine{jobID: 3}
	exec := NewExecutor(store, engine, newFakeNotifier(), Config{MaxConcurrent: 2}, zap.NewNop())

	triggers := make(chan scheduler.Trigger, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exec.Run(ctx, triggers)
		close(done)
	}()

	triggers <- scheduler.Trigger{TaskID: "nas-sync", JobID: "job-1", FiredAt: time.Now()}

	require.Eventually(t, func() bool {
		task, _ := store.Get("nas-sync")
		return task.SuccessCount == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not stop")
	}
}
