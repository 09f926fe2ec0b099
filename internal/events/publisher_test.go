package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/testutil"
)

func TestPublisher(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := NewPublisher(js, zap.NewNop())
	require.NoError(t, err)

	t.Run("Stream", func(t *testing.T) {
		require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))
		stream, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{StreamSubjects}, stream.Config.Subjects)
	})

	t.Run("Ensure Existing Stream", func(t *testing.T) {
		_, err := NewPublisher(js, zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("Completed", func(t *testing.T) {
		require.NoError(t, publisher.TaskCompleted(context.Background(), "nas-sync"))

		msgs, err := testutil.ConsumeMessages(js, CompletedSubject, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"task_id": "nas-sync"}`, string(msgs[0].Data))
	})

	t.Run("Failed", func(t *testing.T) {
		require.NoError(t, publisher.TaskFailed(context.Background(), "gd-copy", "quota exceeded"))

		msgs, err := testutil.ConsumeMessages(js, FailedSubject, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"task_id": "gd-copy", "error": "quota exceeded"}`, string(msgs[0].Data))
	})

	t.Run("Metrics", func(t *testing.T) {
		snapshot := &model.MetricsSnapshot{
			Timestamp: time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
			Stats:     model.ScheduledTaskStats{TotalTasks: 2, EnabledTasks: 1},
			CPUUsage:  12.5,
		}
		require.NoError(t, publisher.PublishMetrics(context.Background(), snapshot))

		msgs, err := testutil.ConsumeMessages(js, MetricsSubject, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got model.MetricsSnapshot
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, 2, got.Stats.TotalTasks)
		assert.Equal(t, 12.5, got.CPUUsage)
	})
}

func TestNopNotifier(t *testing.T) {
	var n NopNotifier
	assert.NoError(t, n.TaskCompleted(context.Background(), "a"))
	assert.NoError(t, n.TaskFailed(context.Background(), "a", "b"))
	assert.NoError(t, n.PublishMetrics(context.Background(), &model.MetricsSnapshot{}))
}
