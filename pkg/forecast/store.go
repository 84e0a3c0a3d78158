package forecast

import (
	"context"
	"time"

	"github.com/epicast/epicast-go/pkg/models"
)

// Store persists forecast points keyed by (disease, date). Re-forecasting a
// window overwrites the previous points for those dates, so reruns are
// idempotent and the latest run wins.
type Store interface {
	UpsertPoints(ctx context.Context, points []models.ForecastPoint) error
	// Points returns stored forecasts for a disease in [from, to],
	// ordered by date.
	Points(ctx context.Context, disease string, from, to time.Time) ([]models.ForecastPoint, error)
}
