// Package events publishes task completion and failure notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

const (
	StreamName       = "SCHEDULER"
	StreamSubjects   = "scheduler.>"
	CompletedSubject = "scheduler.task.completed"
	FailedSubject    = "scheduler.task.failed"
	MetricsSubject   = "scheduler.metrics"

	streamMaxAge = 24 * time.Hour
)

// EnsureStream creates the scheduler stream or updates its subjects
func EnsureStream(js nats.JetStreamContext, logger *zap.Logger) error {
	info, err := js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if info == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{StreamSubjects},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    streamMaxAge,
			MaxMsgs:   -1,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		logger.Info("Created stream", zap.String("name", StreamName))
		return nil
	}

	config := info.Config
	config.Subjects = []string{StreamSubjects}
	config.MaxAge = streamMaxAge
	if _, err := js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	logger.Info("Updated stream", zap.String("name", StreamName))
	return nil
}

// Publisher sends task events to JetStream
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher ensures the stream exists and returns a publisher
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	logger = logger.Named("events")
	if err := EnsureStream(js, logger); err != nil {
		return nil, err
	}
	return &Publisher{js: js, logger: logger}, nil
}

// TaskCompleted publishes {task_id}
func (p *Publisher) TaskCompleted(ctx context.Context, taskID string) error {
	return p.publish(ctx, CompletedSubject, model.TaskEvent{
		Type:       model.TaskEventCompleted,
		TaskID:     taskID,
		OccurredAt: time.Now().UTC(),
	})
}

// TaskFailed publishes {task_id, error}
func (p *Publisher) TaskFailed(ctx context.Context, taskID, errMsg string) error {
	return p.publish(ctx, FailedSubject, model.TaskEvent{
		Type:       model.TaskEventFailed,
		TaskID:     taskID,
		Error:      errMsg,
		OccurredAt: time.Now().UTC(),
	})
}

// PublishMetrics publishes a metrics snapshot
func (p *Publisher) PublishMetrics(ctx context.Context, snapshot *model.MetricsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := p.js.Publish(MetricsSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish metrics: %w", err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, subject string, event model.TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.logger.Debug("Published task event",
		zap.String("subject", subject),
		zap.String("task_id", event.TaskID))
	return nil
}

// NopNotifier drops every event; used when NATS is disabled
type NopNotifier struct{}

// TaskCompleted implements the executor notifier
func (NopNotifier) TaskCompleted(context.Context, string) error { return nil }

// TaskFailed implements the executor notifier
func (NopNotifier) TaskFailed(context.Context, string, string) error { return nil }

// PublishMetrics implements the monitor publisher
func (NopNotifier) PublishMetrics(context.Context, *model.MetricsSnapshot) error { return nil }
