package model

import (
	"fmt"
	"time"
)

// TaskType represents the kind of transfer a scheduled task performs
type TaskType string

const (
	TaskTypeCopy   TaskType = "copy"
	TaskTypeSync   TaskType = "sync"
	TaskTypeMove   TaskType = "move"
	TaskTypeBisync TaskType = "bisync"
)

// TaskTypes lists every supported task type in reconciliation order
var TaskTypes = []TaskType{TaskTypeCopy, TaskTypeSync, TaskTypeMove, TaskTypeBisync}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCopy, TaskTypeSync, TaskTypeMove, TaskTypeBisync:
		return true
	}
	return false
}

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusEnabled  TaskStatus = "enabled"
	TaskStatusDisabled TaskStatus = "disabled"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopping TaskStatus = "stopping"
	TaskStatusFailed   TaskStatus = "failed"
)

// TaskArgs is the parameter bag handed through to the transfer engine.
// Its shape differs per task type; builders in the executor convert it.
type TaskArgs map[string]interface{}

// String returns the string value stored under key, or "" when absent
func (a TaskArgs) String(key string) string {
	if a == nil {
		return ""
	}
	s, _ := a[key].(string)
	return s
}

// Map returns the object stored under key, or nil when absent
func (a TaskArgs) Map(key string) map[string]interface{} {
	if a == nil {
		return nil
	}
	switch m := a[key].(type) {
	case map[string]interface{}:
		return m
	case TaskArgs:
		return m
	}
	return nil
}

// Bool returns the bool stored under key, false when absent
func (a TaskArgs) Bool(key string) bool {
	if a == nil {
		return false
	}
	b, _ := a[key].(bool)
	return b
}

// ScheduledTask represents a cron-driven transfer derived from remote configuration
type ScheduledTask struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TaskType       TaskType   `json:"taskType"`
	CronExpression string     `json:"cronExpression"`
	Status         TaskStatus `json:"status"`
	Args           TaskArgs   `json:"args"`

	// Timing fields
	CreatedAt time.Time  `json:"createdAt"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`

	// Execution details
	LastError      string  `json:"lastError,omitempty"`
	CurrentJobID   *uint64 `json:"currentJobId,omitempty"`
	SchedulerJobID string  `json:"schedulerJobId,omitempty"`

	RunCount     uint64 `json:"runCount"`
	SuccessCount uint64 `json:"successCount"`
	FailureCount uint64 `json:"failureCount"`
}

// TaskID derives the natural key of a task from its remote and type
func TaskID(remote string, taskType TaskType) string {
	return fmt.Sprintf("%s-%s", remote, taskType)
}

// Clone returns a deep copy so callers never share state with the store
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Args = cloneArgs(t.Args)
	if t.LastRun != nil {
		v := *t.LastRun
		c.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		c.NextRun = &v
	}
	if t.CurrentJobID != nil {
		v := *t.CurrentJobID
		c.CurrentJobID = &v
	}
	return &c
}

// CanRun reports whether a trigger may start this task
func (t *ScheduledTask) CanRun() bool {
	return t.Status == TaskStatusEnabled
}

// TransitionTo moves the task to status if the edge is allowed
func (t *ScheduledTask) TransitionTo(status TaskStatus) error {
	valid := false
	switch t.Status {
	case TaskStatusEnabled:
		valid = status == TaskStatusDisabled || status == TaskStatusRunning
	case TaskStatusDisabled:
		valid = status == TaskStatusEnabled
	case TaskStatusRunning:
		valid = status == TaskStatusEnabled || status == TaskStatusFailed || status == TaskStatusStopping
	case TaskStatusStopping:
		valid = status == TaskStatusRunning || status == TaskStatusDisabled || status == TaskStatusEnabled
	case TaskStatusFailed:
		valid = status == TaskStatusEnabled || status == TaskStatusDisabled
	}
	if !valid {
		return fmt.Errorf("invalid state transition from %s to %s", t.Status, status)
	}
	t.Status = status
	return nil
}

// MarkStarting moves an enabled task to running
func (t *ScheduledTask) MarkStarting() error {
	if !t.CanRun() {
		return fmt.Errorf("task cannot start from status %s", t.Status)
	}
	t.CurrentJobID = nil
	return t.TransitionTo(TaskStatusRunning)
}

// MarkSuccess records a successful dispatch to the transfer engine.
// A task asked to stop while dispatching settles to disabled.
func (t *ScheduledTask) MarkSuccess(jobID uint64, now time.Time) {
	t.CurrentJobID = &jobID
	t.RunCount++
	t.SuccessCount++
	t.LastRun = &now
	t.LastError = ""
	if t.Status == TaskStatusStopping {
		t.Status = TaskStatusDisabled
		t.NextRun = nil
		return
	}
	t.Status = TaskStatusEnabled
}

// MarkFailure records a failed dispatch
func (t *ScheduledTask) MarkFailure(errMsg string, now time.Time) {
	t.CurrentJobID = nil
	t.RunCount++
	t.FailureCount++
	t.LastRun = &now
	t.LastError = errMsg
	if t.Status == TaskStatusStopping {
		t.Status = TaskStatusDisabled
		t.NextRun = nil
		return
	}
	t.Status = TaskStatusFailed
}

// MarkStopped clears the in-flight job once the transfer engine reports it gone
func (t *ScheduledTask) MarkStopped() {
	t.CurrentJobID = nil
	if t.Status == TaskStatusStopping {
		t.Status = TaskStatusDisabled
		t.NextRun = nil
	}
}

// ScheduledTaskStats aggregates counters across all tasks
type ScheduledTaskStats struct {
	TotalTasks     int    `json:"totalTasks"`
	EnabledTasks   int    `json:"enabledTasks"`
	RunningTasks   int    `json:"runningTasks"`
	FailedTasks    int    `json:"failedTasks"`
	TotalRuns      uint64 `json:"totalRuns"`
	SuccessfulRuns uint64 `json:"successfulRuns"`
	FailedRuns     uint64 `json:"failedRuns"`
}

// CronValidation is the result of validating a user supplied cron string
type CronValidation struct {
	IsValid      bool       `json:"isValid"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
}

func cloneArgs(args TaskArgs) TaskArgs {
	if args == nil {
		return nil
	}
	out := make(TaskArgs, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if x == nil {
			return x
		}
		m := make(map[string]interface{}, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case TaskArgs:
		if x == nil {
			return map[string]interface{}(nil)
		}
		return map[string]interface{}(cloneArgs(x))
	case []interface{}:
		s := make([]interface{}, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
