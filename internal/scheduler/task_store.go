package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

// NextRunFunc computes the next UTC occurrence of a local cron expression
type NextRunFunc func(expr string, now time.Time) (time.Time, error)

// TaskStore is the in-memory set of scheduled tasks keyed by task ID.
// Every accessor hands out copies; mutation goes through Update.
type TaskStore struct {
	logger  *zap.Logger
	nextRun NextRunFunc
	now     func() time.Time

	mu    sync.RWMutex
	tasks map[string]*model.ScheduledTask
}

// NewTaskStore creates an empty task store
func NewTaskStore(nextRun NextRunFunc, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		logger:  logger.Named("task-store"),
		nextRun: nextRun,
		now:     time.Now,
		tasks:   make(map[string]*model.ScheduledTask),
	}
}

// Add inserts a new task
func (s *TaskStore) Add(task *model.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	s.tasks[task.ID] = task.Clone()

	s.logger.Info("Added scheduled task",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name))
	return nil
}

// Get returns a copy of the task with the given ID
func (s *TaskStore) Get(id string) (*model.ScheduledTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// GetAll returns copies of every task ordered by ID
func (s *TaskStore) GetAll() []*model.ScheduledTask {
	s.mu.RLock()
	tasks := make([]*model.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetByJobID returns the task whose in-flight transfer has the given job ID
func (s *TaskStore) GetByJobID(jobID uint64) (*model.ScheduledTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.CurrentJobID != nil && *task.CurrentJobID == jobID {
			return task.Clone(), true
		}
	}
	return nil, false
}

// Update applies fn to the stored task atomically and returns the result
func (s *TaskStore) Update(id string, fn func(task *model.ScheduledTask)) (*model.ScheduledTask, error) {
	return s.TryUpdate(id, func(task *model.ScheduledTask) error {
		fn(task)
		return nil
	})
}

// TryUpdate applies fn to a copy of the stored task and commits it only if
// fn returns nil. The error from fn is returned unchanged.
func (s *TaskStore) TryUpdate(id string, fn func(task *model.ScheduledTask) error) (*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return current.Clone(), err
	}
	updated.ID = id
	s.tasks[id] = updated

	s.logger.Debug("Updated scheduled task", zap.String("task_id", id))
	return updated.Clone(), nil
}

// Remove deletes the task with the given ID
func (s *TaskStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)

	s.logger.Info("Removed scheduled task",
		zap.String("task_id", id),
		zap.String("name", task.Name))
	return nil
}

// Clear removes every task and returns how many were dropped
func (s *TaskStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tasks)
	s.tasks = make(map[string]*model.ScheduledTask)
	s.logger.Warn("Cleared all scheduled tasks", zap.Int("count", n))
	return n
}

// Len returns the number of stored tasks
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Stats aggregates counters across every task
func (s *TaskStore) Stats() model.ScheduledTaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.ScheduledTaskStats{TotalTasks: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case model.TaskStatusEnabled:
			stats.EnabledTasks++
		case model.TaskStatusRunning:
			stats.RunningTasks++
		case model.TaskStatusFailed:
			stats.FailedTasks++
		}
		stats.TotalRuns += task.RunCount
		stats.SuccessfulRuns += task.SuccessCount
		stats.FailedRuns += task.FailureCount
	}
	return stats
}

// ToggleStatus flips an idle task between enabled and disabled, and an
// in-flight task between running and stopping. Stopping is only a signal;
// nothing here cancels the transfer.
func (s *TaskStore) ToggleStatus(id string) (*model.ScheduledTask, error) {
	return s.TryUpdate(id, func(task *model.ScheduledTask) error {
		switch task.Status {
		case model.TaskStatusEnabled:
			task.Status = model.TaskStatusDisabled
			task.NextRun = nil
		case model.TaskStatusDisabled, model.TaskStatusFailed:
			task.Status = model.TaskStatusEnabled
			task.NextRun = s.computeNextRun(task)
		case model.TaskStatusRunning:
			return task.TransitionTo(model.TaskStatusStopping)
		case model.TaskStatusStopping:
			return task.TransitionTo(model.TaskStatusRunning)
		default:
			return fmt.Errorf("cannot toggle task in status %s", task.Status)
		}
		return nil
	})
}

func (s *TaskStore) computeNextRun(task *model.ScheduledTask) *time.Time {
	if s.nextRun == nil {
		return nil
	}
	next, err := s.nextRun(task.CronExpression, s.now())
	if err != nil {
		s.logger.Warn("Failed to compute next run",
			zap.String("task_id", task.ID),
			zap.String("cron", task.CronExpression),
			zap.Error(err))
		return nil
	}
	return &next
}
