// Package series holds the raw time-series observations the pipeline trains
// on: lab-confirmed case counts per disease and unit sales per related
// product, keyed by date. Observations are immutable once ingested.
package series

import (
	"context"
	"time"

	"github.com/epicast/epicast-go/pkg/models"
)

// Reader is the read boundary the pipeline consumes. Ranges with no data
// return empty slices, never errors: the core treats absence as unknown.
type Reader interface {
	// CaseSeries returns case-count observations for a disease in
	// [from, to], ordered by date.
	CaseSeries(ctx context.Context, disease string, from, to time.Time) ([]models.Observation, error)
	// SalesSeries returns product-sales observations in [from, to],
	// ordered by date.
	SalesSeries(ctx context.Context, product string, from, to time.Time) ([]models.Observation, error)
}

// Writer ingests observations. Data management (deletion, correction) lives
// outside the pipeline core.
type Writer interface {
	PutObservations(ctx context.Context, kind models.ObservationKind, obs []models.Observation) error
}
