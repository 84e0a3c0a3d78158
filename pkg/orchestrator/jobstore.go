// Package orchestrator owns the training job lifecycle: jobs move
// PENDING -> TRAINING -> TRAINED -> FORECASTING -> COMPLETED, or to FAILED
// from any active stage. Transitions are persisted synchronously and guarded
// by compare-and-set updates, so a crashed or duplicate worker can never
// regress a job or process it twice.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/epicast/epicast-go/internal/sqlitedb"
	"github.com/epicast/epicast-go/pkg/models"
)

// ErrJobNotFound indicates a job ID with no stored record.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists training jobs in SQLite.
type JobStore struct {
	db *sql.DB
}

// NewJobStore opens (and if needed initializes) a job store.
func NewJobStore(dbPath string) (*JobStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	store := &JobStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *JobStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_jobs (
		id TEXT PRIMARY KEY,
		disease TEXT NOT NULL,
		train_start TEXT NOT NULL,
		train_end TEXT NOT NULL,
		forecast_start TEXT NOT NULL DEFAULT '',
		forecast_end TEXT NOT NULL DEFAULT '',
		forecast_only INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		model_version INTEGER,
		train_mae REAL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_training_jobs_status ON training_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_training_jobs_disease ON training_jobs(disease);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Create records a newly submitted job in PENDING state.
func (s *JobStore) Create(ctx context.Context, job *models.TrainingJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_jobs
			(id, disease, train_start, train_end, forecast_start, forecast_end,
			 forecast_only, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Disease,
		formatDay(job.TrainStart), formatDay(job.TrainEnd),
		formatDay(job.ForecastStart), formatDay(job.ForecastEnd),
		boolToInt(job.ForecastOnly), string(job.Status), job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*models.TrainingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, disease, train_start, train_end, forecast_start, forecast_end,
		       forecast_only, status, error_message, model_version, train_mae,
		       submitted_at, started_at, completed_at
		FROM training_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// List returns jobs ordered newest first, optionally filtered by disease
// and/or status (empty values match everything).
func (s *JobStore) List(ctx context.Context, disease string, status models.JobStatus) ([]*models.TrainingJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, disease, train_start, train_end, forecast_start, forecast_end,
		       forecast_only, status, error_message, model_version, train_mae,
		       submitted_at, started_at, completed_at
		FROM training_jobs
		WHERE (? = '' OR disease = ?) AND (? = '' OR status = ?)
		ORDER BY submitted_at DESC`,
		disease, disease, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TrainingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimForTraining atomically moves a PENDING job to TRAINING. It returns
// false when the job was already claimed or finished, which makes duplicate
// queue deliveries harmless.
func (s *JobStore) ClaimForTraining(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, models.JobStatusPending, models.JobStatusTraining)
}

// ClaimForForecast atomically moves a PENDING forecast-only job straight to
// FORECASTING.
func (s *JobStore) ClaimForForecast(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, models.JobStatusPending, models.JobStatusForecasting)
}

// transition performs a status-guarded claim, stamping started_at.
func (s *JobStore) transition(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkTrained records a successful training stage: the model version, the
// training MAE, and the TRAINED status. For jobs without a forecast window
// TRAINED is terminal and completed_at is stamped.
func (s *JobStore) MarkTrained(ctx context.Context, id string, version int, trainMAE float64, terminal bool) error {
	var completedAt any
	if terminal {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs
		SET status = ?, model_version = ?, train_mae = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.JobStatusTrained), version, trainMAE, completedAt,
		id, string(models.JobStatusTraining))
	return checkOneRow(res, err, id, "mark trained")
}

// MarkForecasting moves a TRAINED job into its forecasting stage.
func (s *JobStore) MarkForecasting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET status = ?
		WHERE id = ? AND status = ?`,
		string(models.JobStatusForecasting), id, string(models.JobStatusTrained))
	return checkOneRow(res, err, id, "mark forecasting")
}

// SetModelVersion records which registry version a forecast-only job ran
// against.
func (s *JobStore) SetModelVersion(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET model_version = ? WHERE id = ?`, version, id)
	return checkOneRow(res, err, id, "set model version")
}

// MarkCompleted moves a FORECASTING job to its COMPLETED terminal state.
func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.JobStatusCompleted), time.Now().UTC(),
		id, string(models.JobStatusForecasting))
	return checkOneRow(res, err, id, "mark completed")
}

// MarkFailed moves a job to FAILED from any non-terminal state, recording
// the cause. Failed jobs are never retried automatically; resubmission is a
// new job.
func (s *JobStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL AND status IN (?, ?, ?, ?)`,
		string(models.JobStatusFailed), msg, time.Now().UTC(), id,
		string(models.JobStatusPending), string(models.JobStatusTraining),
		string(models.JobStatusTrained), string(models.JobStatusForecasting))
	return checkOneRow(res, err, id, "mark failed")
}

// RequestCancel flags a job for cooperative cancellation. Workers observe
// the flag at stage boundaries; a job that already reached a terminal state
// is left untouched.
func (s *JobStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_jobs SET cancel_requested = 1
		WHERE id = ? AND status IN (?, ?, ?, ?)`,
		id,
		string(models.JobStatusPending), string(models.JobStatusTraining),
		string(models.JobStatusTrained), string(models.JobStatusForecasting))
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w or already terminal: %s", ErrJobNotFound, id)
	}
	return nil
}

// CancelRequested reports whether cancellation has been flagged for a job.
func (s *JobStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM training_jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for job %s: %w", id, err)
	}
	return flag == 1, nil
}

func checkOneRow(res sql.Result, err error, id, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s for job %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s for job %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("cannot %s: job %s not in expected state", op, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.TrainingJob, error) {
	var job models.TrainingJob
	var trainStart, trainEnd, forecastStart, forecastEnd, status string
	var forecastOnly int
	var modelVersion sql.NullInt64
	var trainMAE sql.NullFloat64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Disease, &trainStart, &trainEnd,
		&forecastStart, &forecastEnd, &forecastOnly, &status,
		&job.ErrorMessage, &modelVersion, &trainMAE,
		&job.SubmittedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if job.TrainStart, err = parseDay(trainStart); err != nil {
		return nil, err
	}
	if job.TrainEnd, err = parseDay(trainEnd); err != nil {
		return nil, err
	}
	if job.ForecastStart, err = parseDay(forecastStart); err != nil {
		return nil, err
	}
	if job.ForecastEnd, err = parseDay(forecastEnd); err != nil {
		return nil, err
	}

	job.ForecastOnly = forecastOnly == 1
	job.Status = models.JobStatus(status)
	if modelVersion.Valid {
		v := int(modelVersion.Int64)
		job.ModelVersion = &v
	}
	if trainMAE.Valid {
		m := trainMAE.Float64
		job.TrainMAE = &m
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// formatDay stores day-resolution dates as YYYY-MM-DD; zero times become
// empty strings so optional windows round-trip.
func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return models.Day(t).Format(models.DateLayout)
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return models.ParseDate(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
