package models

import "time"

// JobStatus represents the current status of a training job.
type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusTraining    JobStatus = "TRAINING"
	JobStatusTrained     JobStatus = "TRAINED"
	JobStatusForecasting JobStatus = "FORECASTING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
)

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusTrained, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// TrainingJob is a unit of orchestrated work. The orchestrator owns it for
// its whole lifetime; other components read it but never mutate it. Status
// transitions are monotonic and exactly one terminal state is ever reached.
type TrainingJob struct {
	ID      string `json:"job_id"`
	Disease string `json:"disease"`

	TrainStart    time.Time `json:"train_start"`
	TrainEnd      time.Time `json:"train_end"`
	ForecastStart time.Time `json:"forecast_start,omitzero"`
	ForecastEnd   time.Time `json:"forecast_end,omitzero"`

	// ForecastOnly jobs skip the training stage and run against the
	// registry's active (or pinned) model for the disease.
	ForecastOnly bool `json:"forecast_only,omitempty"`

	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ModelVersion *int      `json:"model_version,omitempty"`
	TrainMAE     *float64  `json:"train_mae,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WantsForecast reports whether the job includes a forecasting stage.
func (j *TrainingJob) WantsForecast() bool {
	return !j.ForecastStart.IsZero() && !j.ForecastEnd.IsZero()
}
