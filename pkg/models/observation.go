package models

import (
	"fmt"
	"time"
)

// DateLayout is the canonical wire/storage format for observation dates.
const DateLayout = "2006-01-02"

// Observation is one raw fact: a case count or a product-sales figure for a
// single day. Observations are immutable once ingested; the series store owns
// them.
type Observation struct {
	Date   time.Time `json:"date"`
	Series string    `json:"series"`
	Value  float64   `json:"value"`
}

// ObservationKind distinguishes the two series families held by the store.
type ObservationKind string

const (
	KindCases ObservationKind = "cases"
	KindSales ObservationKind = "sales"
)

// Day truncates t to UTC midnight so date arithmetic is exact day counts.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)) / (24 * time.Hour))
}

// FeatureRow is one supervised-learning example derived from raw series.
// Rows are ephemeral: recomputed on every training or forecast run, never
// persisted. Vector is aligned to the builder's column order.
type FeatureRow struct {
	Date   time.Time
	Target float64 // raw case count
	Y      float64 // log1p(Target), the regression target
	Vector []float64
}

// ForecastPoint is one predicted day. Immutable after creation; re-running a
// forecast for the same (disease, date) replaces the stored point.
type ForecastPoint struct {
	Disease      string    `json:"disease"`
	Date         time.Time `json:"date"`
	Predicted    float64   `json:"predicted"`
	Actual       *float64  `json:"actual,omitempty"`
	ModelVersion int       `json:"model_version"`
}
