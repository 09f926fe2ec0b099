package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

const defaultInterval = 30 * time.Second

// StatsSource reports scheduler task counts
type StatsSource interface {
	Stats() model.ScheduledTaskStats
}

// MetricsPublisher ships a snapshot somewhere
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context, snapshot *model.MetricsSnapshot) error
}

// MetricsCollector periodically samples scheduler and host metrics
type MetricsCollector struct {
	logger    *zap.Logger
	source    StatsSource
	publisher MetricsPublisher
	interval  time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	latest *model.MetricsSnapshot

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(source StatsSource, publisher MetricsPublisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		source:    source,
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	// Prime the CPU counters so the first sample covers a real window
	if _, err := cpu.Percent(0, false); err != nil {
		c.logger.Warn("Failed to prime CPU usage", zap.Error(err))
	}

	go c.collectLoop(ctx)

	return nil
}

// Stop stops the metrics collector and waits for the loop to exit
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one snapshot, keeps it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) *model.MetricsSnapshot {
	snapshot := &model.MetricsSnapshot{
		Timestamp: c.now().UTC(),
		Stats:     c.source.Stats(),
	}

	// Host figures are best effort; task counts are published regardless
	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = memInfo.UsedPercent
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	if c.publisher != nil {
		if err := c.publisher.PublishMetrics(ctx, snapshot); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
			return snapshot
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("total_tasks", snapshot.Stats.TotalTasks),
		zap.Int("running_tasks", snapshot.Stats.RunningTasks))

	return snapshot
}

// GetLatest returns the most recent snapshot, or nil before the first collection
func (c *MetricsCollector) GetLatest() *model.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	snapshot := *c.latest
	return &snapshot
}
