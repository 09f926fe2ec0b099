package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/timeconv"
)

// Timer is the timer engine primitive the CronEngine drives. *cron.Cron
// satisfies it.
type Timer interface {
	AddJob(spec string, cmd cron.Job) (cron.EntryID, error)
	Remove(id cron.EntryID)
	Start()
	Stop() context.Context
}

// TimerFactory builds a fresh, stopped timer engine
type TimerFactory func() (Timer, error)

// CronConverter rewrites a local cron expression into UTC
type CronConverter interface {
	LocalToUTC(expr string) (string, error)
}

// Trigger is pushed onto the trigger channel each time a task's timer fires
type Trigger struct {
	TaskID     string
	JobID      string
	Generation uint64
	FiredAt    time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronTimerFactory returns a factory for robfig timers running in UTC
// with panic recovery
func NewCronTimerFactory(logger *zap.Logger) TimerFactory {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	return func() (Timer, error) {
		return cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger)),
		), nil
	}
}

type timerEntry struct {
	entryID cron.EntryID
	taskID  string
}

// timerInstance is one generation of the timer engine and its registrations
type timerInstance struct {
	timer      Timer
	generation uint64

	mu      sync.Mutex
	entries map[string]timerEntry
}

func newTimerInstance(timer Timer, generation uint64) *timerInstance {
	return &timerInstance{
		timer:      timer,
		generation: generation,
		entries:    make(map[string]timerEntry),
	}
}

// EngineOption configures a CronEngine
type EngineOption func(*CronEngine)

// WithTimerFactory replaces the timer engine constructor
func WithTimerFactory(factory TimerFactory) EngineOption {
	return func(e *CronEngine) {
		e.factory = factory
	}
}

// CronEngine owns the live timer engine and keeps task scheduler job ids in
// step with it
type CronEngine struct {
	logger    *zap.Logger
	store     *TaskStore
	converter CronConverter
	factory   TimerFactory

	mu       sync.RWMutex
	live     *timerInstance
	triggers chan<- Trigger
	running  bool

	reloadMu   sync.Mutex
	generation uint64
	liveGen    atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewCronEngine creates an engine; Initialize must be called before use
func NewCronEngine(store *TaskStore, converter CronConverter, logger *zap.Logger, opts ...EngineOption) *CronEngine {
	e := &CronEngine{
		logger:    logger.Named("cron-engine"),
		store:     store,
		converter: converter,
		done:      make(chan struct{}),
	}
	e.factory = NewCronTimerFactory(logger)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize builds the first timer engine and sets where fires are sent.
// Calling it again only replaces the trigger channel.
func (e *CronEngine) Initialize(triggers chan<- Trigger) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.triggers = triggers
	if e.live != nil {
		e.logger.Debug("Timer engine already initialized, replaced trigger channel")
		return nil
	}

	timer, err := e.factory()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchedulerBuildFailed, err)
	}
	e.generation++
	e.live = newTimerInstance(timer, e.generation)
	e.liveGen.Store(e.generation)

	e.logger.Info("Initialized timer engine", zap.Uint64("generation", e.generation))
	return nil
}

// Start starts the live timer engine
func (e *CronEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.live == nil {
		return ErrSchedulerUninitialized
	}
	if e.running {
		return nil
	}
	e.live.timer.Start()
	e.running = true

	e.logger.Info("Started timer engine", zap.Uint64("generation", e.live.generation))
	return nil
}

// Stop stops the live timer engine and waits for running fires to return
func (e *CronEngine) Stop() error {
	e.mu.Lock()
	if e.live == nil {
		e.mu.Unlock()
		return ErrSchedulerUninitialized
	}
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	timer := e.live.timer
	e.mu.Unlock()

	ctx := timer.Stop()
	<-ctx.Done()

	e.logger.Info("Stopped timer engine")
	return nil
}

// Close stops the engine and releases fires blocked on the trigger channel
func (e *CronEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	if err := e.Stop(); err != nil && !errors.Is(err, ErrSchedulerUninitialized) {
		return err
	}
	return nil
}

// Running reports whether the live timer engine is started
func (e *CronEngine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Generation returns the generation of the live timer engine
func (e *CronEngine) Generation() uint64 {
	return e.liveGen.Load()
}

// JobCount returns how many timers are registered on the live engine
func (e *CronEngine) JobCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.live == nil {
		return 0
	}
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	return len(e.live.entries)
}

// IsScheduled reports whether jobID is registered on the live engine
func (e *CronEngine) IsScheduled(jobID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.live == nil {
		return false
	}
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	_, ok := e.live.entries[jobID]
	return ok
}

// Schedule registers a timer for an enabled task and records its job id.
// It is serialized with ReloadAll so the id it records always belongs to
// the live timer engine.
func (e *CronEngine) Schedule(task *model.ScheduledTask) (string, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	return e.schedule(task)
}

func (e *CronEngine) schedule(task *model.ScheduledTask) (string, error) {
	if task.Status != model.TaskStatusEnabled {
		return "", fmt.Errorf("%w: %s is %s", ErrTaskNotEnabled, task.ID, task.Status)
	}

	utc, err := e.converter.LocalToUTC(task.CronExpression)
	if err != nil {
		return "", fmt.Errorf("failed to convert cron for task %s: %w", task.ID, err)
	}

	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()
	if live == nil {
		return "", ErrSchedulerUninitialized
	}

	// the caller's copy may predate a reload; drop whatever the store holds too
	stale := []string{task.SchedulerJobID}
	if current, ok := e.store.Get(task.ID); ok {
		stale = append(stale, current.SchedulerJobID)
	}
	for _, jobID := range stale {
		if jobID != "" {
			e.removeEntry(live, jobID)
		}
	}

	jobID, err := e.register(live, task.ID, utc)
	if err != nil {
		return "", err
	}

	if _, err := e.store.Update(task.ID, func(t *model.ScheduledTask) {
		t.SchedulerJobID = jobID
	}); err != nil {
		e.logger.Warn("Failed to persist scheduler job id",
			zap.String("task_id", task.ID),
			zap.String("job_id", jobID),
			zap.Error(err))
	}

	e.logger.Info("Scheduled task",
		zap.String("task_id", task.ID),
		zap.String("job_id", jobID),
		zap.String("cron", task.CronExpression),
		zap.String("utc_cron", utc))
	return jobID, nil
}

// Unschedule removes a single timer and clears it from its task
func (e *CronEngine) Unschedule(jobID string) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	return e.unschedule(jobID)
}

func (e *CronEngine) unschedule(jobID string) error {
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()
	if live == nil {
		return ErrSchedulerUninitialized
	}

	entry, ok := e.removeEntry(live, jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	e.clearJobID(entry.taskID, jobID)
	e.logger.Info("Unscheduled task",
		zap.String("task_id", entry.taskID),
		zap.String("job_id", jobID))
	return nil
}

// Reschedule brings a task's timer in line with its status: enabled tasks
// get a fresh timer, anything else loses its timer
func (e *CronEngine) Reschedule(task *model.ScheduledTask) (string, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if task.SchedulerJobID != "" {
		if err := e.unschedule(task.SchedulerJobID); err != nil && !errors.Is(err, ErrJobNotFound) {
			return "", err
		}
		task.SchedulerJobID = ""
	}
	if task.Status != model.TaskStatusEnabled {
		return "", nil
	}
	return e.schedule(task)
}

// ReloadAll rebuilds the timer set from the store on a brand new timer
// engine. The new engine is started and swapped in before the old one is
// stopped. Tasks whose cron cannot be converted are skipped.
func (e *CronEngine) ReloadAll() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.RLock()
	old := e.live
	e.mu.RUnlock()
	if old == nil {
		return ErrSchedulerUninitialized
	}

	for _, task := range e.store.GetAll() {
		if task.Status == model.TaskStatusDisabled && task.SchedulerJobID != "" {
			e.removeEntry(old, task.SchedulerJobID)
			e.clearJobID(task.ID, task.SchedulerJobID)
		}
	}

	timer, err := e.factory()
	if err != nil {
		e.logger.Error("Failed to build timer engine, keeping current one", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSchedulerBuildFailed, err)
	}

	e.mu.Lock()
	e.generation++
	generation := e.generation
	e.mu.Unlock()
	next := newTimerInstance(timer, generation)

	registered := make(map[string]string)
	skipped := 0
	for _, task := range e.store.GetAll() {
		if task.Status != model.TaskStatusEnabled && task.Status != model.TaskStatusRunning {
			continue
		}
		utc, err := e.converter.LocalToUTC(task.CronExpression)
		if err != nil {
			e.logger.Warn("Skipping task with unschedulable cron",
				zap.String("task_id", task.ID),
				zap.String("cron", task.CronExpression),
				zap.Error(err))
			skipped++
			continue
		}
		jobID, err := e.register(next, task.ID, utc)
		if err != nil {
			e.logger.Warn("Skipping task that failed to register",
				zap.String("task_id", task.ID),
				zap.Error(err))
			skipped++
			continue
		}
		registered[task.ID] = jobID
	}

	timer.Start()

	e.mu.Lock()
	e.live = next
	e.liveGen.Store(generation)
	e.running = true
	e.mu.Unlock()

	old.timer.Stop()

	for _, task := range e.store.GetAll() {
		want := registered[task.ID]
		if task.SchedulerJobID == want {
			continue
		}
		if _, err := e.store.Update(task.ID, func(t *model.ScheduledTask) {
			t.SchedulerJobID = want
		}); err != nil {
			e.logger.Warn("Failed to persist scheduler job id",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	e.logger.Info("Reloaded timer engine",
		zap.Uint64("generation", generation),
		zap.Int("scheduled", len(registered)),
		zap.Int("skipped", skipped))
	return nil
}

func (e *CronEngine) register(instance *timerInstance, taskID, utcExpr string) (string, error) {
	jobID := uuid.New().String()

	instance.mu.Lock()
	defer instance.mu.Unlock()

	entryID, err := instance.timer.AddJob(timeconv.EngineSpec(utcExpr), &cronJob{
		engine:     e,
		taskID:     taskID,
		jobID:      jobID,
		generation: instance.generation,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add cron job for task %s: %w", taskID, err)
	}
	instance.entries[jobID] = timerEntry{entryID: entryID, taskID: taskID}
	return jobID, nil
}

func (e *CronEngine) removeEntry(instance *timerInstance, jobID string) (timerEntry, bool) {
	instance.mu.Lock()
	defer instance.mu.Unlock()

	entry, ok := instance.entries[jobID]
	if !ok {
		return timerEntry{}, false
	}
	instance.timer.Remove(entry.entryID)
	delete(instance.entries, jobID)
	return entry, true
}

func (e *CronEngine) clearJobID(taskID, jobID string) {
	_, err := e.store.Update(taskID, func(t *model.ScheduledTask) {
		if t.SchedulerJobID == jobID {
			t.SchedulerJobID = ""
		}
	})
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		e.logger.Warn("Failed to clear scheduler job id",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (e *CronEngine) sendTrigger(trigger Trigger) {
	e.mu.RLock()
	triggers := e.triggers
	e.mu.RUnlock()
	if triggers == nil {
		return
	}

	select {
	case triggers <- trigger:
	case <-e.done:
	}
}

// cronJob implements cron.Job and carries only the task id
type cronJob struct {
	engine     *CronEngine
	taskID     string
	jobID      string
	generation uint64
}

// Run implements cron.Job
func (j *cronJob) Run() {
	if current := j.engine.liveGen.Load(); j.generation != current {
		j.engine.logger.Debug("Dropped fire from superseded timer engine",
			zap.String("task_id", j.taskID),
			zap.Uint64("generation", j.generation),
			zap.Uint64("live_generation", current))
		return
	}

	j.engine.sendTrigger(Trigger{
		TaskID:     j.taskID,
		JobID:      j.jobID,
		Generation: j.generation,
		FiredAt:    time.Now().UTC(),
	})
}
