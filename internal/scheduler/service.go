package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/timeconv"
)

const defaultTriggerBuffer = 64

// Service holds the task store, reconciler and cron engine of one process
// and is the query surface handed to the rest of the application
type Service struct {
	logger     *zap.Logger
	converter  *timeconv.Converter
	store      *TaskStore
	reconciler *ConfigReconciler
	engine     *CronEngine
	triggers   chan Trigger
	stopper    JobStopper

	mu      sync.Mutex
	started bool
	now     func() time.Time
}

// JobStopper aborts a transfer job on the transfer engine
type JobStopper interface {
	StopJob(ctx context.Context, jobID uint64) error
}

// ServiceOption configures a Service
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	engineOpts    []EngineOption
	triggerBuffer int
	stopper       JobStopper
}

// WithEngineOptions passes options through to the cron engine
func WithEngineOptions(opts ...EngineOption) ServiceOption {
	return func(o *serviceOptions) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithTriggerBuffer sets the capacity of the trigger channel
func WithTriggerBuffer(n int) ServiceOption {
	return func(o *serviceOptions) {
		o.triggerBuffer = n
	}
}

// WithJobStopper lets StopTask abort transfers already handed to the engine
func WithJobStopper(stopper JobStopper) ServiceOption {
	return func(o *serviceOptions) {
		o.stopper = stopper
	}
}

// NewService wires a store, reconciler and engine around converter
func NewService(converter *timeconv.Converter, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	options := serviceOptions{triggerBuffer: defaultTriggerBuffer}
	for _, opt := range opts {
		opt(&options)
	}

	store := NewTaskStore(converter.NextRun, logger)
	engine := NewCronEngine(store, converter, logger, options.engineOpts...)
	s := &Service{
		logger:     logger.Named("scheduler"),
		converter:  converter,
		store:      store,
		reconciler: NewConfigReconciler(store, converter.NextRun, engine, logger),
		engine:     engine,
		triggers:   make(chan Trigger, options.triggerBuffer),
		stopper:    options.stopper,
		now:        time.Now,
	}

	if err := engine.Initialize(s.triggers); err != nil {
		return nil, fmt.Errorf("failed to initialize cron engine: %w", err)
	}
	return s, nil
}

// Store returns the task store
func (s *Service) Store() *TaskStore {
	return s.store
}

// Engine returns the cron engine
func (s *Service) Engine() *CronEngine {
	return s.engine
}

// Triggers returns the channel timer fires are delivered on
func (s *Service) Triggers() <-chan Trigger {
	return s.triggers
}

// Start loads tasks from configs and brings the timer engine up
func (s *Service) Start(configs model.RemoteConfigs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if _, err := s.reconciler.Reconcile(configs); err != nil {
		s.logger.Warn("Some tasks failed to load", zap.Error(err))
	}
	if err := s.engine.ReloadAll(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	s.started = true

	s.logger.Info("Scheduler started",
		zap.Int("tasks", s.store.Len()),
		zap.Int("scheduled", s.engine.JobCount()))
	return nil
}

// Stop halts the timer engine. Triggers already queued are left for the
// consumer.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	if err := s.engine.Close(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

// ListTasks returns every task ordered by id
func (s *Service) ListTasks() []*model.ScheduledTask {
	return s.store.GetAll()
}

// GetTask returns one task
func (s *Service) GetTask(id string) (*model.ScheduledTask, error) {
	task, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// Stats returns aggregate counters
func (s *Service) Stats() model.ScheduledTaskStats {
	return s.store.Stats()
}

// ToggleTask flips a task's status and keeps its timer in step
func (s *Service) ToggleTask(id string) (*model.ScheduledTask, error) {
	task, err := s.store.ToggleStatus(id)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case model.TaskStatusEnabled, model.TaskStatusDisabled:
		if _, err := s.engine.Reschedule(task); err != nil {
			s.logger.Warn("Failed to reschedule toggled task",
				zap.String("task_id", id),
				zap.String("status", string(task.Status)),
				zap.Error(err))
		}
	}

	s.logger.Info("Toggled task",
		zap.String("task_id", id),
		zap.String("status", string(task.Status)))
	return s.GetTask(id)
}

// StopTask stops a task's current execution. A task still dispatching moves
// to stopping and settles to disabled once the executor is done with it. A
// task whose transfer is in flight has that job aborted on the engine.
func (s *Service) StopTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	var inFlight *uint64
	task, err := s.store.TryUpdate(id, func(t *model.ScheduledTask) error {
		inFlight = nil
		switch {
		case t.Status == model.TaskStatusStopping:
			return nil
		case t.Status == model.TaskStatusRunning:
			return t.TransitionTo(model.TaskStatusStopping)
		case t.CurrentJobID != nil:
			jobID := *t.CurrentJobID
			inFlight = &jobID
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}

	if task.Status == model.TaskStatusStopping && task.SchedulerJobID != "" {
		if err := s.engine.Unschedule(task.SchedulerJobID); err != nil && !errors.Is(err, ErrJobNotFound) {
			s.logger.Warn("Failed to unschedule stopping task",
				zap.String("task_id", id),
				zap.Error(err))
		}
	}

	if inFlight != nil {
		if s.stopper == nil {
			return nil, fmt.Errorf("cannot stop transfer job %d of task %s: no transfer engine", *inFlight, id)
		}
		if err := s.stopper.StopJob(ctx, *inFlight); err != nil {
			return nil, fmt.Errorf("failed to stop transfer job %d of task %s: %w", *inFlight, id, err)
		}
	}

	s.logger.Info("Stop requested",
		zap.String("task_id", id),
		zap.String("status", string(task.Status)))
	return s.GetTask(id)
}

// ValidateCron reports whether expr is valid and when it would next run
func (s *Service) ValidateCron(expr string) model.CronValidation {
	next, err := s.converter.NextRun(expr, s.now())
	if err != nil {
		return model.CronValidation{ErrorMessage: err.Error()}
	}
	return model.CronValidation{IsValid: true, NextRun: &next}
}

// ReloadFromConfigs reconciles against configs then rebuilds the timers
func (s *Service) ReloadFromConfigs(configs model.RemoteConfigs) (int, error) {
	created, reconcileErr := s.reconciler.Reconcile(configs)
	if reconcileErr != nil {
		s.logger.Warn("Reconciliation finished with errors", zap.Error(reconcileErr))
	}
	if err := s.engine.ReloadAll(); err != nil {
		return created, err
	}
	return created, reconcileErr
}

// ReloadRemote reconciles a single remote then rebuilds the timers
func (s *Service) ReloadRemote(remote string, cfg model.RemoteConfig) (int, error) {
	created, reconcileErr := s.reconciler.ReconcileRemote(remote, cfg)
	if err := s.engine.ReloadAll(); err != nil {
		return created, err
	}
	return created, reconcileErr
}

// RemoveRemote drops every task belonging to remote
func (s *Service) RemoveRemote(remote string) (int, error) {
	return s.reconciler.RemoveRemote(remote)
}

// Reload rebuilds the timers from the tasks already in the store
func (s *Service) Reload() error {
	return s.engine.ReloadAll()
}

// ClearAll unschedules and removes every task
func (s *Service) ClearAll() int {
	var errs []error
	for _, task := range s.store.GetAll() {
		if task.SchedulerJobID == "" {
			continue
		}
		if err := s.engine.Unschedule(task.SchedulerJobID); err != nil && !errors.Is(err, ErrJobNotFound) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Failed to unschedule some tasks", zap.Error(err))
	}
	return s.store.Clear()
}

// JobFinished records that the transfer with jobID has ended. An empty
// errMsg means the transfer succeeded.
func (s *Service) JobFinished(jobID uint64, errMsg string) (*model.ScheduledTask, error) {
	task, ok := s.store.GetByJobID(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: no task for transfer job %d", ErrTaskNotFound, jobID)
	}

	return s.store.Update(task.ID, func(t *model.ScheduledTask) {
		if t.CurrentJobID == nil || *t.CurrentJobID != jobID {
			return
		}
		t.MarkStopped()
		if errMsg != "" {
			t.LastError = errMsg
		}
	})
}
