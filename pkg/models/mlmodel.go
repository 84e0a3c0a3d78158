package models

import "time"

// Regressor is the prediction surface of a fitted model. Implementations
// must be deterministic: the same feature vector always yields the same
// output.
type Regressor interface {
	// Predict returns the model output in log space for one feature vector.
	Predict(features []float64) float64
}

// ModelMetrics summarizes fit quality recorded at training time.
//
// TrainMAE is the mean absolute error of log-space predictions against the
// log-space target over the training rows. It is a fit-quality signal, not a
// held-out metric; callers must not read it as generalization accuracy.
type ModelMetrics struct {
	TrainMAE float64 `json:"train_mae"`
	Samples  int     `json:"samples"`
}

// TrainedModel is the output of training: a fitted regressor, the ordered
// feature columns it was trained on, and summary metrics. Identity is
// (Disease, Version). Once saved to the registry it is immutable; later
// training runs supersede it with a new version rather than mutating it.
type TrainedModel struct {
	Disease        string       `json:"disease"`
	Version        int          `json:"version"`
	Lags           int          `json:"lags"`
	FeatureColumns []string     `json:"feature_columns"`
	Metrics        ModelMetrics `json:"metrics"`
	TrainedAt      time.Time    `json:"trained_at"`

	Regressor Regressor `json:"-"`
}

// DiseaseProfile parameterizes feature construction for one disease: which
// product-sales series correlate with it and which heuristic adjustments
// apply. The lag constant is fixed per disease and recorded on the trained
// model so that training and forecasting can never disagree on it.
type DiseaseProfile struct {
	Name     string   `yaml:"name" json:"name"`
	Products []string `yaml:"products" json:"products"`
	// Heuristics names the surge/peak adjustments to apply; see
	// pkg/features for the available set.
	Heuristics []string `yaml:"heuristics" json:"heuristics"`
	// Lags is the lag-window length L. Zero means the default (14).
	Lags int `yaml:"lags" json:"lags"`
	// PeakThreshold is the case-count floor above which a day counts as a
	// peak for the peak-cycle heuristic.
	PeakThreshold float64 `yaml:"peak_threshold" json:"peak_threshold"`
	// PeakCycleDays is the observed peak recurrence period in days.
	PeakCycleDays int `yaml:"peak_cycle_days" json:"peak_cycle_days"`
	// RetrainSchedule is an optional cron expression for automatic
	// retraining submission.
	RetrainSchedule string `yaml:"retrain_schedule" json:"retrain_schedule"`
	// ForecastHorizonDays is how far ahead scheduled retraining forecasts.
	ForecastHorizonDays int `yaml:"forecast_horizon_days" json:"forecast_horizon_days"`
}

// DefaultLags is the lag-window length used when a profile does not set one.
const DefaultLags = 14

// LagWindow returns the profile's lag length, applying the default.
func (p DiseaseProfile) LagWindow() int {
	if p.Lags > 0 {
		return p.Lags
	}
	return DefaultLags
}
