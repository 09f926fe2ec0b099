package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/scheduler"
	"github.com/t77yq/transfer-scheduler/internal/storage"
	"github.com/t77yq/transfer-scheduler/internal/transfer"
)

const (
	defaultMaxConcurrent = 4
	defaultPollInterval  = 5 * time.Second
)

// TransferEngine starts transfers and reports on them
type TransferEngine interface {
	Start(ctx context.Context, req *transfer.Request) (uint64, error)
	JobStatus(ctx context.Context, jobID uint64) (*transfer.JobStatus, error)
	StopJob(ctx context.Context, jobID uint64) error
}

// Notifier receives the outcome of each execution
type Notifier interface {
	TaskCompleted(ctx context.Context, taskID string) error
	TaskFailed(ctx context.Context, taskID, errMsg string) error
}

// RunHistory records execution attempts
type RunHistory interface {
	Store(ctx context.Context, run *storage.TaskRun) error
	Update(ctx context.Context, run *storage.TaskRun) error
}

// JobTracker is told when a dispatched transfer job ends
type JobTracker interface {
	JobFinished(jobID uint64, errMsg string) (*model.ScheduledTask, error)
}

// Config defines configuration for the executor
type Config struct {
	// MaxConcurrent bounds how many executions run at once
	MaxConcurrent int
	// PollInterval is how often a dispatched job is polled; zero disables polling
	PollInterval time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: defaultMaxConcurrent,
		PollInterval:  defaultPollInterval,
	}
}

// Executor runs scheduled tasks against the transfer engine
type Executor struct {
	logger   *zap.Logger
	config   Config
	store    *scheduler.TaskStore
	engine   TransferEngine
	notifier Notifier
	history  RunHistory
	tracker  JobTracker
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures an Executor
type Option func(*Executor)

// WithHistory records every attempt in history
func WithHistory(history RunHistory) Option {
	return func(e *Executor) {
		e.history = history
	}
}

// WithJobTracker polls dispatched jobs and reports their end to tracker
func WithJobTracker(tracker JobTracker) Option {
	return func(e *Executor) {
		e.tracker = tracker
	}
}

// NewExecutor creates a new executor
func NewExecutor(store *scheduler.TaskStore, engine TransferEngine, notifier Notifier, config Config, logger *zap.Logger, opts ...Option) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}

	e := &Executor{
		logger:   logger.Named("executor"),
		config:   config,
		store:    store,
		engine:   engine,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes triggers until ctx is done, then waits for in-flight work
func (e *Executor) Run(ctx context.Context, triggers <-chan scheduler.Trigger) {
	e.logger.Info("Starting executor", zap.Int("max_concurrent", e.config.MaxConcurrent))
	slots := make(chan struct{}, e.config.MaxConcurrent)

	defer func() {
		e.wg.Wait()
		e.logger.Info("Executor stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case trigger, ok := <-triggers:
			if !ok {
				return
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			e.wg.Add(1)
			go func(trigger scheduler.Trigger) {
				defer e.wg.Done()
				defer func() { <-slots }()

				if err := e.Execute(ctx, trigger.TaskID); err != nil {
					e.logger.Warn("Scheduled execution did not complete",
						zap.String("task_id", trigger.TaskID),
						zap.String("job_id", trigger.JobID),
						zap.Error(err))
				}
			}(trigger)
		}
	}
}

// Execute runs one task: it claims the task, dispatches the transfer and
// records the outcome on the task
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	task, err := e.store.TryUpdate(taskID, func(t *model.ScheduledTask) error {
		if !t.CanRun() {
			return statusError(t)
		}
		return t.MarkStarting()
	})
	if err != nil {
		return err
	}

	run := &storage.TaskRun{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		TaskType:  task.TaskType,
		Status:    storage.RunStatusStarting,
		StartedAt: e.now().UTC(),
	}
	e.storeRun(ctx, run)

	jobID, dispatchErr := e.dispatch(ctx, task)
	finishedAt := e.now().UTC()

	if dispatchErr != nil {
		if _, err := e.store.Update(task.ID, func(t *model.ScheduledTask) {
			t.MarkFailure(dispatchErr.Error(), finishedAt)
		}); err != nil {
			e.logger.Error("Failed to record task failure",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}

		run.Status = storage.RunStatusFailed
		run.Error = dispatchErr.Error()
		run.CompletedAt = &finishedAt
		run.Duration = finishedAt.Sub(run.StartedAt)
		e.updateRun(ctx, run)

		if err := e.notifier.TaskFailed(ctx, task.ID, dispatchErr.Error()); err != nil {
			e.logger.Warn("Failed to publish task failure", zap.String("task_id", task.ID), zap.Error(err))
		}
		e.logger.Error("Task execution failed",
			zap.String("task_id", task.ID),
			zap.Error(dispatchErr))
		return fmt.Errorf("task %s failed: %w", task.ID, dispatchErr)
	}

	stopRequested := false
	if _, err := e.store.Update(task.ID, func(t *model.ScheduledTask) {
		stopRequested = t.Status == model.TaskStatusStopping
		t.MarkSuccess(jobID, finishedAt)
	}); err != nil {
		e.logger.Error("Failed to record task success",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	// a stop arrived while dispatching, so the job we just started is aborted
	if stopRequested {
		if err := e.engine.StopJob(ctx, jobID); err != nil {
			e.logger.Error("Failed to stop transfer job",
				zap.String("task_id", task.ID),
				zap.Uint64("job_id", jobID),
				zap.Error(err))
		} else {
			e.logger.Info("Stopped transfer job of stopping task",
				zap.String("task_id", task.ID),
				zap.Uint64("job_id", jobID))
		}
	}

	run.Status = storage.RunStatusDispatched
	run.JobID = &jobID
	e.updateRun(ctx, run)

	if err := e.notifier.TaskCompleted(ctx, task.ID); err != nil {
		e.logger.Warn("Failed to publish task completion", zap.String("task_id", task.ID), zap.Error(err))
	}
	e.logger.Info("Task dispatched",
		zap.String("task_id", task.ID),
		zap.Uint64("job_id", jobID))

	if e.tracker != nil && e.config.PollInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchJob(ctx, run, jobID)
		}()
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, task *model.ScheduledTask) (uint64, error) {
	req, err := BuildRequest(task)
	if err != nil {
		return 0, err
	}
	return e.engine.Start(ctx, req)
}

// watchJob polls the transfer engine until jobID finishes
func (e *Executor) watchJob(ctx context.Context, run *storage.TaskRun, jobID uint64) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := e.engine.JobStatus(ctx, jobID)
		if err != nil {
			e.logger.Debug("Failed to poll transfer job",
				zap.Uint64("job_id", jobID),
				zap.Error(err))
			continue
		}
		if !status.Finished {
			continue
		}

		errMsg := ""
		if !status.Success {
			errMsg = status.Error
			if errMsg == "" {
				errMsg = "transfer job failed"
			}
		}

		if _, err := e.tracker.JobFinished(jobID, errMsg); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
			e.logger.Warn("Failed to record finished transfer job",
				zap.Uint64("job_id", jobID),
				zap.Error(err))
		}

		completedAt := e.now().UTC()
		run.Status = storage.RunStatusSucceeded
		if errMsg != "" {
			run.Status = storage.RunStatusFailed
			run.Error = errMsg
		}
		run.CompletedAt = &completedAt
		run.Duration = completedAt.Sub(run.StartedAt)
		e.updateRun(ctx, run)

		e.logger.Info("Transfer job finished",
			zap.String("task_id", run.TaskID),
			zap.Uint64("job_id", jobID),
			zap.Bool("success", status.Success))
		return
	}
}

func (e *Executor) storeRun(ctx context.Context, run *storage.TaskRun) {
	if e.history == nil {
		return
	}
	if err := e.history.Store(ctx, run); err != nil {
		e.logger.Error("Failed to store task run",
			zap.String("task_id", run.TaskID),
			zap.Error(err))
	}
}

func (e *Executor) updateRun(ctx context.Context, run *storage.TaskRun) {
	if e.history == nil {
		return
	}
	if err := e.history.Update(ctx, run); err != nil {
		e.logger.Error("Failed to update task run",
			zap.String("task_id", run.TaskID),
			zap.Error(err))
	}
}

func statusError(t *model.ScheduledTask) error {
	switch t.Status {
	case model.TaskStatusRunning, model.TaskStatusStopping:
		return fmt.Errorf("%w: %s is %s", scheduler.ErrAlreadyRunning, t.ID, t.Status)
	default:
		return fmt.Errorf("%w: %s is %s", scheduler.ErrTaskNotEnabled, t.ID, t.Status)
	}
}
