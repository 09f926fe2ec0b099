package model

import "time"

// TaskEventType represents the outcome carried by a task event
type TaskEventType string

const (
	TaskEventCompleted TaskEventType = "completed"
	TaskEventFailed    TaskEventType = "failed"
)

// TaskEvent is published when a scheduled execution finishes dispatching
type TaskEvent struct {
	Type       TaskEventType `json:"-"`
	TaskID     string        `json:"task_id"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"-"`
}

// MetricsSnapshot is the periodic scheduler metrics payload
type MetricsSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Stats       ScheduledTaskStats `json:"stats"`
	CPUUsage    float64            `json:"cpu_usage"`
	MemoryUsage float64            `json:"memory_usage"`
}
