package scheduler

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

// Unscheduler removes a live timer by its scheduler job id
type Unscheduler interface {
	Unschedule(jobID string) error
}

// bisyncFields maps bisync settings keys to the snake_case arg keys
var bisyncFields = []struct{ config, arg string }{
	{"dryRun", "dry_run"},
	{"resync", "resync"},
	{"checkAccess", "check_access"},
	{"checkFilename", "check_filename"},
	{"maxDelete", "max_delete"},
	{"force", "force"},
	{"checkSync", "check_sync"},
	{"createEmptySrcDirs", "create_empty_src_dirs"},
	{"removeEmptyDirs", "remove_empty_dirs"},
	{"filtersFile", "filters_file"},
	{"ignoreListingChecksum", "ignore_listing_checksum"},
	{"resilient", "resilient"},
	{"workdir", "workdir"},
	{"backupdir1", "backupdir1"},
	{"backupdir2", "backupdir2"},
	{"noCleanup", "no_cleanup"},
}

// ConfigReconciler converges the task store onto the remote settings document
type ConfigReconciler struct {
	store       *TaskStore
	nextRun     NextRunFunc
	unscheduler Unscheduler
	logger      *zap.Logger
	now         func() time.Time
}

// NewConfigReconciler creates a reconciler. unscheduler may be nil when no
// timer engine is attached yet.
func NewConfigReconciler(store *TaskStore, nextRun NextRunFunc, unscheduler Unscheduler, logger *zap.Logger) *ConfigReconciler {
	return &ConfigReconciler{
		store:       store,
		nextRun:     nextRun,
		unscheduler: unscheduler,
		logger:      logger.Named("reconciler"),
		now:         time.Now,
	}
}

// Reconcile applies every remote in configs and removes tasks no longer
// backed by a valid block. It returns how many tasks were created.
func (r *ConfigReconciler) Reconcile(configs model.RemoteConfigs) (int, error) {
	remotes := make([]string, 0, len(configs))
	for remote := range configs {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)

	seen := make(map[string]struct{})
	created := 0
	var errs []error

	for _, remote := range remotes {
		n, ids, err := r.reconcileRemote(remote, configs[remote])
		created += n
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	removed := 0
	for _, task := range r.store.GetAll() {
		if _, ok := seen[task.ID]; ok {
			continue
		}
		if err := r.removeTask(task); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	r.logger.Info("Reconciled scheduled tasks",
		zap.Int("remotes", len(remotes)),
		zap.Int("created", created),
		zap.Int("removed_orphans", removed),
		zap.Int("total", r.store.Len()))

	return created, errors.Join(errs...)
}

// ReconcileRemote applies a single remote's settings without an orphan sweep
func (r *ConfigReconciler) ReconcileRemote(remote string, cfg model.RemoteConfig) (int, error) {
	created, _, err := r.reconcileRemote(remote, cfg)
	return created, err
}

// RemoveRemote drops every task that belongs to remote
func (r *ConfigReconciler) RemoveRemote(remote string) (int, error) {
	removed := 0
	var errs []error
	for _, task := range r.store.GetAll() {
		if task.Args.String("remote_name") != remote {
			continue
		}
		if err := r.removeTask(task); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("Removed tasks for remote",
			zap.String("remote", remote),
			zap.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// reconcileRemote returns the number of created tasks and the ids of every
// valid candidate for remote
func (r *ConfigReconciler) reconcileRemote(remote string, cfg model.RemoteConfig) (int, []string, error) {
	created := 0
	var ids []string
	var errs []error

	for _, taskType := range model.TaskTypes {
		id := model.TaskID(remote, taskType)
		candidate := r.buildCandidate(remote, taskType, cfg)

		if candidate == nil {
			if existing, ok := r.store.Get(id); ok {
				if err := r.removeTask(existing); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		ids = append(ids, id)

		isNew, err := r.upsert(candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if isNew {
			created++
		}
	}
	return created, ids, errors.Join(errs...)
}

func (r *ConfigReconciler) upsert(candidate *model.ScheduledTask) (bool, error) {
	existing, ok := r.store.Get(candidate.ID)
	if !ok {
		if err := r.store.Add(candidate); err != nil {
			return false, fmt.Errorf("failed to add task %s: %w", candidate.ID, err)
		}
		return true, nil
	}

	if !taskChanged(existing, candidate) {
		return false, nil
	}

	_, err := r.store.Update(candidate.ID, func(task *model.ScheduledTask) {
		task.Name = candidate.Name
		task.TaskType = candidate.TaskType
		task.CronExpression = candidate.CronExpression
		task.Args = candidate.Args
		if task.Status != model.TaskStatusDisabled {
			task.NextRun = candidate.NextRun
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to update task %s: %w", candidate.ID, err)
	}

	r.logger.Info("Updated scheduled task from config",
		zap.String("task_id", candidate.ID),
		zap.String("cron", candidate.CronExpression))
	return false, nil
}

func (r *ConfigReconciler) removeTask(task *model.ScheduledTask) error {
	if task.SchedulerJobID != "" && r.unscheduler != nil {
		if err := r.unscheduler.Unschedule(task.SchedulerJobID); err != nil && !errors.Is(err, ErrJobNotFound) {
			r.logger.Warn("Failed to unschedule removed task",
				zap.String("task_id", task.ID),
				zap.String("job_id", task.SchedulerJobID),
				zap.Error(err))
		}
	}
	if err := r.store.Remove(task.ID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove task %s: %w", task.ID, err)
	}
	return nil
}

// buildCandidate returns nil when the block is absent, not cron enabled, or
// missing its cron expression, source or dest
func (r *ConfigReconciler) buildCandidate(remote string, taskType model.TaskType, cfg model.RemoteConfig) *model.ScheduledTask {
	op := cfg.Operation(taskType)
	if op == nil || !op.CronEnabled || op.CronExpression == "" {
		return nil
	}
	if op.Source == "" || op.Dest == "" {
		r.logger.Debug("Skipping task with missing source or dest",
			zap.String("remote", remote),
			zap.String("type", string(taskType)))
		return nil
	}

	now := r.now().UTC()
	task := &model.ScheduledTask{
		ID:             model.TaskID(remote, taskType),
		Name:           fmt.Sprintf("%s - %s", remote, taskType),
		TaskType:       taskType,
		CronExpression: op.CronExpression,
		Status:         model.TaskStatusEnabled,
		Args:           BuildTaskArgs(remote, taskType, op, cfg.Filter, cfg.Backend),
		CreatedAt:      now,
	}

	if r.nextRun != nil {
		next, err := r.nextRun(op.CronExpression, now)
		if err != nil {
			r.logger.Warn("Task cron expression cannot be scheduled",
				zap.String("task_id", task.ID),
				zap.String("cron", op.CronExpression),
				zap.Error(err))
		} else {
			task.NextRun = &next
		}
	}
	return task
}

// BuildTaskArgs assembles the argument bag for one operation block
func BuildTaskArgs(remote string, taskType model.TaskType, op *model.OperationConfig, filter, backend map[string]interface{}) model.TaskArgs {
	args := model.TaskArgs{
		"remote_name":     remote,
		"source":          op.Source,
		"dest":            op.Dest,
		"filter_options":  optionalMap(filter),
		"backend_options": optionalMap(backend),
	}
	args[string(taskType)+"_options"] = optionalMap(op.Options)

	switch taskType {
	case model.TaskTypeBisync:
		for _, field := range bisyncFields {
			if v, ok := op.Extra[field.config]; ok {
				args[field.arg] = v
			}
		}
	case model.TaskTypeMove:
		args["delete_empty_src_dirs"] = extraBool(op, "deleteEmptySrcDirs")
		fallthrough
	default:
		args["create_empty_src_dirs"] = extraBool(op, "createEmptySrcDirs")
	}
	return args
}

func optionalMap(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}

func extraBool(op *model.OperationConfig, key string) interface{} {
	if v, ok := op.Extra[key]; ok {
		return v
	}
	return false
}

func taskChanged(existing, candidate *model.ScheduledTask) bool {
	return existing.CronExpression != candidate.CronExpression ||
		existing.Name != candidate.Name ||
		existing.TaskType != candidate.TaskType ||
		!reflect.DeepEqual(existing.Args, candidate.Args)
}
