package features

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/epicast/epicast-go/pkg/models"
)

// Rolling-mean window lengths for the trailing case-count averages.
const (
	shortWindow = 7
	longWindow  = 14
)

// Builder turns raw series into the supervised-learning table for one
// disease. It is pure: Build has no side effects beyond its return value, and
// heuristic state is cloned per invocation.
type Builder struct {
	profile    models.DiseaseProfile
	heuristics []Heuristic
	columns    []string
}

// NewBuilder creates a feature builder for a disease profile.
func NewBuilder(profile models.DiseaseProfile) (*Builder, error) {
	hs, err := NewHeuristics(profile)
	if err != nil {
		return nil, err
	}
	b := &Builder{profile: profile, heuristics: hs}
	b.columns = b.buildColumns()
	return b, nil
}

// buildColumns fixes the feature ordering: target lags, per-product lags,
// rolling means, calendar fields, current-day sales, heuristic features.
func (b *Builder) buildColumns() []string {
	lags := b.profile.LagWindow()
	cols := make([]string, 0, (1+len(b.profile.Products))*lags+8)
	for lag := 1; lag <= lags; lag++ {
		cols = append(cols, fmt.Sprintf("cases_lag%d", lag))
	}
	for _, product := range b.profile.Products {
		for lag := 1; lag <= lags; lag++ {
			cols = append(cols, fmt.Sprintf("%s_lag%d", product, lag))
		}
	}
	cols = append(cols, "pos7", "pos14", "year", "month", "dow", "dom")
	cols = append(cols, b.profile.Products...)
	for _, h := range b.heuristics {
		cols = append(cols, h.Names()...)
	}
	return cols
}

// Columns returns the ordered feature column names. A trained model records
// this exact list; the forecaster refuses to run against a model whose
// columns disagree.
func (b *Builder) Columns() []string {
	out := make([]string, len(b.columns))
	copy(out, b.columns)
	return out
}

// Heuristics returns a fresh copy of the profile's heuristic set with empty
// state, for callers that replay history themselves (the forecaster).
func (b *Builder) Heuristics() []Heuristic {
	return cloneAll(b.heuristics)
}

// RowInput is everything Assemble needs for one day. Lag slices are ordered
// lag 1 first. Unknown values are NaN, never zero.
type RowInput struct {
	Date            time.Time
	TargetLags      []float64 // log1p-transformed, length = LagWindow
	ProductLags     map[string][]float64
	Pos7, Pos14     float64
	CurrentSales    map[string]float64
	HeuristicValues []float64
}

// Assemble lays a day's inputs out in column order. Both training and the
// recursive forecast loop go through here, so the two can never disagree on
// feature ordering.
func (b *Builder) Assemble(in RowInput) []float64 {
	vec := make([]float64, 0, len(b.columns))
	vec = append(vec, in.TargetLags...)
	for _, product := range b.profile.Products {
		vec = append(vec, in.ProductLags[product]...)
	}
	d := in.Date
	vec = append(vec, in.Pos7, in.Pos14,
		float64(d.Year()), float64(d.Month()), float64(d.Weekday()), float64(d.Day()))
	for _, product := range b.profile.Products {
		sale, ok := in.CurrentSales[product]
		if !ok {
			sale = math.NaN()
		}
		vec = append(vec, sale)
	}
	vec = append(vec, in.HeuristicValues...)
	return vec
}

// Build transforms raw observations into fully-populated feature rows in
// date order. Target observations must be sorted by date with at most one
// row per date; gaps are treated as missing and the affected rows dropped.
// asOf, when non-zero, excludes rows after that date.
//
// Build fails with models.ErrInsufficientData when fewer than LagWindow+1
// fully-populated rows survive.
func (b *Builder) Build(target []models.Observation, sales map[string][]models.Observation, asOf time.Time) ([]models.FeatureRow, error) {
	if err := validateSorted(target); err != nil {
		return nil, err
	}
	for product, series := range sales {
		if err := validateSorted(series); err != nil {
			return nil, fmt.Errorf("series %s: %w", product, err)
		}
	}

	lags := b.profile.LagWindow()
	targetByDate := indexByDate(target)
	salesByDate := make(map[string]map[time.Time]float64, len(sales))
	for product, series := range sales {
		salesByDate[product] = indexByDate(series)
	}

	hs := cloneAll(b.heuristics)
	rows := make([]models.FeatureRow, 0, len(target))
	for _, obs := range target {
		d := models.Day(obs.Date)
		if !asOf.IsZero() && d.After(models.Day(asOf)) {
			break
		}

		in := RowInput{
			Date:         d,
			TargetLags:   make([]float64, lags),
			ProductLags:  make(map[string][]float64, len(b.profile.Products)),
			CurrentSales: make(map[string]float64, len(b.profile.Products)),
		}
		for lag := 1; lag <= lags; lag++ {
			in.TargetLags[lag-1] = logLookup(targetByDate, d, lag)
		}
		for _, product := range b.profile.Products {
			pl := make([]float64, lags)
			for lag := 1; lag <= lags; lag++ {
				pl[lag-1] = lookup(salesByDate[product], d, lag)
			}
			in.ProductLags[product] = pl
			in.CurrentSales[product] = lookup(salesByDate[product], d, 0)
		}
		in.Pos7 = trailingMean(targetByDate, d, shortWindow)
		in.Pos14 = trailingMean(targetByDate, d, longWindow)

		daySales := totalSales(in.CurrentSales, b.profile.Products)
		for _, h := range hs {
			in.HeuristicValues = append(in.HeuristicValues, h.Values(d, daySales)...)
		}

		vec := b.Assemble(in)
		if complete(vec) {
			rows = append(rows, models.FeatureRow{
				Date:   d,
				Target: obs.Value,
				Y:      math.Log1p(obs.Value),
				Vector: vec,
			})
		}

		for _, h := range hs {
			h.Observe(d, obs.Value, daySales)
		}
	}

	if len(rows) < lags+1 {
		return nil, fmt.Errorf("%w: %d fully-populated rows for %s, need at least %d",
			models.ErrInsufficientData, len(rows), b.profile.Name, lags+1)
	}
	return rows, nil
}

// validateSorted rejects out-of-order or duplicated dates at the boundary
// rather than letting them fail deep inside model fitting.
func validateSorted(series []models.Observation) error {
	for i := 1; i < len(series); i++ {
		prev, cur := models.Day(series[i-1].Date), models.Day(series[i].Date)
		if !cur.After(prev) {
			return fmt.Errorf("observations not strictly ordered by date at %s", cur.Format(models.DateLayout))
		}
	}
	return nil
}

func indexByDate(series []models.Observation) map[time.Time]float64 {
	idx := make(map[time.Time]float64, len(series))
	for _, obs := range series {
		idx[models.Day(obs.Date)] = obs.Value
	}
	return idx
}

// lookup returns the value lag days before d, or NaN when absent.
func lookup(idx map[time.Time]float64, d time.Time, lag int) float64 {
	v, ok := idx[d.AddDate(0, 0, -lag)]
	if !ok {
		return math.NaN()
	}
	return v
}

func logLookup(idx map[time.Time]float64, d time.Time, lag int) float64 {
	v := lookup(idx, d, lag)
	if math.IsNaN(v) {
		return v
	}
	return math.Log1p(v)
}

// trailingMean averages the window days strictly before d. The full window
// must be present: a gap makes the feature unknown, not smaller.
func trailingMean(idx map[time.Time]float64, d time.Time, window int) float64 {
	values := make([]float64, 0, window)
	for back := 1; back <= window; back++ {
		v, ok := idx[d.AddDate(0, 0, -back)]
		if !ok {
			return math.NaN()
		}
		values = append(values, v)
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return math.NaN()
	}
	return mean
}

// totalSales sums the day's sales across all correlated products, NaN if any
// product is unknown (absence is unknown, never zero).
func totalSales(current map[string]float64, products []string) float64 {
	total := 0.0
	for _, product := range products {
		v, ok := current[product]
		if !ok || math.IsNaN(v) {
			return math.NaN()
		}
		total += v
	}
	return total
}

func complete(vec []float64) bool {
	for _, v := range vec {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}
