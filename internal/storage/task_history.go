package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
)

// ErrRunNotFound is returned when a run record does not exist
var ErrRunNotFound = errors.New("task run not found")

// RunStatus is the outcome of one execution attempt
type RunStatus string

const (
	RunStatusStarting   RunStatus = "starting"
	RunStatusDispatched RunStatus = "dispatched"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
)

// TaskRun is one execution attempt of a scheduled task
type TaskRun struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	TaskType    model.TaskType `json:"task_type"`
	Status      RunStatus      `json:"status"`
	JobID       *uint64        `json:"job_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// RunFilter narrows List and Count; zero fields match everything
type RunFilter struct {
	TaskID string
	Status RunStatus
}

func (f RunFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// TaskRunStorage is an append-mostly log of task runs
type TaskRunStorage interface {
	// Store inserts a new run record
	Store(ctx context.Context, run *TaskRun) error

	// Update overwrites the outcome fields of an existing record
	Update(ctx context.Context, run *TaskRun) error

	// Get retrieves a run by ID
	Get(ctx context.Context, id string) (*TaskRun, error)

	// FindByJobID retrieves the run that dispatched the given transfer job
	FindByJobID(ctx context.Context, jobID uint64) (*TaskRun, error)

	// List retrieves runs newest first
	List(ctx context.Context, filter RunFilter, offset, limit int) ([]*TaskRun, error)

	// Count returns the number of runs matching filter
	Count(ctx context.Context, filter RunFilter) (int, error)

	// DeleteBefore deletes runs started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteTaskRuns implements TaskRunStorage using SQLite
type SQLiteTaskRuns struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskRuns opens or creates the run log at dbPath
func NewSQLiteTaskRuns(logger *zap.Logger, dbPath string) (*SQLiteTaskRuns, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskRuns{
		logger: logger.Named("task-runs"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteTaskRuns) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			job_id INTEGER,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
		CREATE INDEX IF NOT EXISTS idx_task_runs_job_id ON task_runs(job_id);
		CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskRunStorage.Store
func (s *SQLiteTaskRuns) Store(ctx context.Context, run *TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (
			id, task_id, task_type, status, job_id, error, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		run.TaskType,
		run.Status,
		nullJobID(run.JobID),
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task run: %w", err)
	}
	return nil
}

// Update implements TaskRunStorage.Update
func (s *SQLiteTaskRuns) Update(ctx context.Context, run *TaskRun) error {
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = ?,
			job_id = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		run.Status,
		nullJobID(run.JobID),
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

const runColumns = "id, task_id, task_type, status, job_id, error, started_at, completed_at, duration"

// Get implements TaskRunStorage.Get
func (s *SQLiteTaskRuns) Get(ctx context.Context, id string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM task_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task run: %w", err)
	}
	return run, nil
}

// FindByJobID implements TaskRunStorage.FindByJobID
func (s *SQLiteTaskRuns) FindByJobID(ctx context.Context, jobID uint64) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM task_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT 1", int64(jobID))
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %d", ErrRunNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to scan task run: %w", err)
	}
	return run, nil
}

// List implements TaskRunStorage.List
func (s *SQLiteTaskRuns) List(ctx context.Context, filter RunFilter, offset, limit int) ([]*TaskRun, error) {
	where, args := filter.where()
	query := "SELECT " + runColumns + " FROM task_runs" + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

// Count implements TaskRunStorage.Count
func (s *SQLiteTaskRuns) Count(ctx context.Context, filter RunFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_runs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task runs: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskRunStorage.DeleteBefore
func (s *SQLiteTaskRuns) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_runs WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task runs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskRuns) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*TaskRun, error) {
	run := &TaskRun{}
	var jobID, durationNanos sql.NullInt64
	var errorStr sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.TaskType,
		&run.Status,
		&jobID,
		&errorStr,
		&run.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		id := uint64(jobID.Int64)
		run.JobID = &id
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if durationNanos.Valid {
		run.Duration = time.Duration(durationNanos.Int64)
	}
	return run, nil
}

func nullJobID(jobID *uint64) sql.NullInt64 {
	if jobID == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*jobID), Valid: true}
}
