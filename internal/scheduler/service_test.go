package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/timeconv"
)

type fakeStopper struct {
	mu      sync.Mutex
	stopped []uint64
	err     error
}

func (f *fakeStopper) StopJob(_ context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, jobID)
	return nil
}

func (f *fakeStopper) jobs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.stopped...)
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *fakeFactory) {
	t.Helper()
	converter := timeconv.NewConverter(time.FixedZone("UTC+3", 3*3600), zap.NewNop())
	factory := &fakeFactory{}
	opts = append([]ServiceOption{WithEngineOptions(WithTimerFactory(factory.build))}, opts...)
	svc, err := NewService(converter, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, factory
}

func TestService_Start(t *testing.T) {
	svc, factory := newTestService(t)

	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	assert.True(t, svc.Engine().Running())
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 3, svc.Engine().JobCount())
	assert.ElementsMatch(t, []string{"0 0 23 * * *", "0 30 1 * * *", "0 0 0 * * 1"}, factory.latest().specList())

	for _, task := range svc.ListTasks() {
		assert.NotEmpty(t, task.SchedulerJobID, task.ID)
		assert.True(t, svc.Engine().IsScheduled(task.SchedulerJobID))
	}

	stats := svc.Stats()
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 3, stats.EnabledTasks)
}

func TestService_GetTask(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	task, err := svc.GetTask("nas-sync")
	require.NoError(t, err)
	assert.Equal(t, "nas - sync", task.Name)

	_, err = svc.GetTask("nas-purge")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_ToggleTask(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	task, err := svc.ToggleTask("nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDisabled, task.Status)
	assert.Nil(t, task.NextRun)
	assert.Empty(t, task.SchedulerJobID)
	assert.Equal(t, 2, svc.Engine().JobCount())

	task, err = svc.ToggleTask("nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusEnabled, task.Status)
	assert.NotNil(t, task.NextRun)
	assert.NotEmpty(t, task.SchedulerJobID)
	assert.Equal(t, 3, svc.Engine().JobCount())

	_, err = svc.ToggleTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_ToggleRunningTask(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	_, err := svc.Store().Update("nas-sync", func(task *model.ScheduledTask) {
		task.Status = model.TaskStatusRunning
	})
	require.NoError(t, err)
	before, _ := svc.GetTask("nas-sync")

	task, err := svc.ToggleTask("nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopping, task.Status)
	assert.Equal(t, before.SchedulerJobID, task.SchedulerJobID)
}

func TestService_StopTask(t *testing.T) {
	stopper := &fakeStopper{}
	svc, _ := newTestService(t, WithJobStopper(stopper))
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))
	ctx := context.Background()

	_, err := svc.StopTask(ctx, "nas-sync")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = svc.StopTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = svc.Store().Update("nas-sync", func(task *model.ScheduledTask) {
		require.NoError(t, task.MarkStarting())
	})
	require.NoError(t, err)

	task, err := svc.StopTask(ctx, "nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopping, task.Status)
	assert.Empty(t, task.SchedulerJobID)
	assert.Equal(t, 2, svc.Engine().JobCount())
	assert.Empty(t, stopper.jobs())

	task, err = svc.StopTask(ctx, "nas-sync")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopping, task.Status)

	_, err = svc.Store().Update("nas-copy", func(task *model.ScheduledTask) {
		require.NoError(t, task.MarkStarting())
		task.MarkSuccess(77, time.Now().UTC())
	})
	require.NoError(t, err)

	task, err = svc.StopTask(ctx, "nas-copy")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusEnabled, task.Status)
	assert.Equal(t, []uint64{77}, stopper.jobs())

	stopper.err = errors.New("connection refused")
	_, err = svc.StopTask(ctx, "nas-copy")
	assert.ErrorContains(t, err, "connection refused")
}

func TestService_StopTaskWithoutEngine(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	_, err := svc.Store().Update("nas-copy", func(task *model.ScheduledTask) {
		require.NoError(t, task.MarkStarting())
		task.MarkSuccess(5, time.Now().UTC())
	})
	require.NoError(t, err)

	_, err = svc.StopTask(context.Background(), "nas-copy")
	assert.ErrorContains(t, err, "no transfer engine")
}

func TestService_ValidateCron(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC) }

	result := svc.ValidateCron("30 2 * * *")
	assert.True(t, result.IsValid)
	assert.Empty(t, result.ErrorMessage)
	require.NotNil(t, result.NextRun)
	assert.Equal(t, time.Date(2024, time.May, 1, 23, 30, 0, 0, time.UTC), result.NextRun.UTC())

	result = svc.ValidateCron("not a cron")
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Nil(t, result.NextRun)
}

func TestService_ReloadFromConfigs(t *testing.T) {
	svc, factory := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	created, err := svc.ReloadFromConfigs(parseConfigs(t, `{
		"nas": {
			"syncConfig": {"cronEnabled": true, "cronExpression": "15 5 * * *", "source": "nas:data", "dest": "/backup"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 2, factory.count())

	tasks := svc.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "nas-sync", tasks[0].ID)
	assert.Equal(t, "15 5 * * *", tasks[0].CronExpression)
	assert.Equal(t, []string{"0 15 2 * * *"}, factory.latest().specList())
}

func TestService_ReloadRemoteAndRemove(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	configs := parseConfigs(t, `{
		"s3": {
			"copyConfig": {"cronEnabled": true, "cronExpression": "0 6 * * *", "source": "s3:bucket", "dest": "/s3"}
		}
	}`)
	created, err := svc.ReloadRemote("s3", configs["s3"])
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 4, svc.Engine().JobCount())

	removed, err := svc.RemoveRemote("nas")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, svc.Engine().JobCount())

	require.NoError(t, svc.Reload())
	assert.Equal(t, 2, svc.Engine().JobCount())
}

func TestService_ClearAll(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	assert.Equal(t, 3, svc.ClearAll())
	assert.Empty(t, svc.ListTasks())
	assert.Equal(t, 0, svc.Engine().JobCount())
	assert.Equal(t, 0, svc.ClearAll())
}

func TestService_JobFinished(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, twoRemotes)))

	_, err := svc.Store().Update("nas-sync", func(task *model.ScheduledTask) {
		require.NoError(t, task.MarkStarting())
		task.MarkSuccess(42, time.Now().UTC())
	})
	require.NoError(t, err)

	task, err := svc.JobFinished(42, "")
	require.NoError(t, err)
	assert.Nil(t, task.CurrentJobID)
	assert.Equal(t, model.TaskStatusEnabled, task.Status)
	assert.Empty(t, task.LastError)

	_, err = svc.JobFinished(42, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = svc.Store().Update("nas-copy", func(task *model.ScheduledTask) {
		require.NoError(t, task.MarkStarting())
		task.MarkSuccess(43, time.Now().UTC())
		task.Status = model.TaskStatusStopping
	})
	require.NoError(t, err)

	task, err = svc.JobFinished(43, "transfer aborted")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDisabled, task.Status)
	assert.Equal(t, "transfer aborted", task.LastError)
}

func TestService_Triggers(t *testing.T) {
	svc, factory := newTestService(t)
	require.NoError(t, svc.Start(parseConfigs(t, `{
		"nas": {"syncConfig": {"cronEnabled": true, "cronExpression": "0 2 * * *", "source": "nas:data", "dest": "/backup"}}
	}`)))

	factory.latest().fireAll()

	select {
	case trigger := <-svc.Triggers():
		assert.Equal(t, "nas-sync", trigger.TaskID)
		assert.Equal(t, svc.Engine().Generation(), trigger.Generation)
	case <-time.After(time.Second):
		t.Fatal("expected a trigger")
	}
}
