package models

import "errors"

// Error taxonomy for the training and forecasting pipeline. Callers match
// with errors.Is; sites add context with fmt.Errorf("...: %w", err).
var (
	// ErrInsufficientData means feature construction produced too few
	// fully-populated rows to train on. Recoverable by supplying more
	// history.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInsufficientSeed means a forecast was requested without enough
	// real observations preceding its start date to fill the lag window.
	ErrInsufficientSeed = errors.New("insufficient seed observations")

	// ErrTrainingFailed means the underlying model fit failed.
	ErrTrainingFailed = errors.New("training failed")

	// ErrModelNotFound means the requested disease or version is absent
	// from the registry.
	ErrModelNotFound = errors.New("model not found")

	// ErrJobCancelled means cooperative cancellation was observed at a
	// stage or loop boundary.
	ErrJobCancelled = errors.New("job cancelled")
)
