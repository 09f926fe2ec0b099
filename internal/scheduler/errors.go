package scheduler

import (
	"errors"

	"github.com/t77yq/transfer-scheduler/internal/timeconv"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task with the same ID already exists
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidCron is returned when a cron expression cannot be parsed
	ErrInvalidCron = timeconv.ErrInvalidCron

	// ErrDayRollover is returned when a cron expression cannot be shifted to UTC
	ErrDayRollover = timeconv.ErrDayRollover

	// ErrTaskNotEnabled is returned when scheduling or running a task that is not enabled
	ErrTaskNotEnabled = errors.New("task not enabled")

	// ErrAlreadyRunning is returned when a trigger fires for a task still in flight
	ErrAlreadyRunning = errors.New("task already running")

	// ErrNotRunning is returned when a stop is requested for an idle task
	ErrNotRunning = errors.New("task not running")

	// ErrSchedulerUninitialized is returned when the cron engine is used before Initialize
	ErrSchedulerUninitialized = errors.New("scheduler not initialized")

	// ErrSchedulerBuildFailed is returned when reload cannot produce a running timer engine
	ErrSchedulerBuildFailed = errors.New("scheduler build failed")

	// ErrJobNotFound is returned when unscheduling an unknown scheduler job
	ErrJobNotFound = errors.New("scheduler job not found")
)
