// Package forecast produces multi-day case-count predictions by recursion:
// each forecast day is predicted from lag features that include the run's own
// earlier predictions, maintained in fixed-size rolling buffers rather than a
// rebuilt history table.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/epicast/epicast-go/pkg/features"
	"github.com/epicast/epicast-go/pkg/models"
)

// SeedData carries the real history a forecast starts from. Target must hold
// at least the model's lag window of observations dated strictly before the
// forecast start. Sales may extend into the forecast window when actual
// sales figures are already known for those days.
type SeedData struct {
	Target []models.Observation
	Sales  map[string][]models.Observation
	// Actuals optionally supplies case counts already observed for dates
	// inside the forecast window. They are used for the accuracy delta
	// only; they never replace a prediction in the recursion.
	Actuals []models.Observation
}

// Result is one forecast run: the ordered points plus, when actuals were
// available, the run's MAE against them. Errors are computed, never
// retro-corrected into the predictions.
type Result struct {
	Points      []models.ForecastPoint
	AccuracyMAE *float64
}

// Runner executes recursive forecasts for one disease profile and model.
type Runner struct {
	Profile models.DiseaseProfile
	Model   *models.TrainedModel

	// Trace, when set, receives every assembled feature vector before it
	// is fed to the model. Test instrumentation only.
	Trace func(d time.Time, columns []string, vector []float64)
}

// ring is a fixed-size ordered buffer indexed from the most recent value
// back. Pushing evicts the oldest entry.
type ring struct {
	values []float64
}

func newRing(seed []float64, size int) *ring {
	r := &ring{values: make([]float64, size)}
	copy(r.values, seed[len(seed)-size:])
	return r
}

// lag returns the value k steps back (lag 1 = most recent).
func (r *ring) lag(k int) float64 {
	return r.values[len(r.values)-k]
}

func (r *ring) push(v float64) {
	copy(r.values, r.values[1:])
	r.values[len(r.values)-1] = v
}

// tailMean averages the most recent n values.
func (r *ring) tailMean(n int) float64 {
	if n > len(r.values) {
		return math.NaN()
	}
	m, err := stats.Mean(r.values[len(r.values)-n:])
	if err != nil {
		return math.NaN()
	}
	return m
}

// Run forecasts each day from start through end in order. Day d's feature
// vector is built from actual history before start and from this run's own
// predictions for days in [start, d); heuristic state advances with each
// prediction exactly as it would with an observation. Output is
// deterministic for fixed model and seed data.
//
// Cancellation is honored at each day boundary via ctx.
func (r *Runner) Run(ctx context.Context, start, end time.Time, seed SeedData) (*Result, error) {
	builder, err := features.NewBuilder(r.Profile)
	if err != nil {
		return nil, err
	}
	if err := r.checkColumns(builder.Columns()); err != nil {
		return nil, err
	}

	lags := r.Model.Lags
	start, end = models.Day(start), models.Day(end)

	history := make([]models.Observation, 0, len(seed.Target))
	for _, obs := range seed.Target {
		if models.Day(obs.Date).Before(start) {
			history = append(history, obs)
		}
	}
	if len(history) < lags {
		return nil, fmt.Errorf("%w: have %d observations before %s, need %d",
			models.ErrInsufficientSeed, len(history), start.Format(models.DateLayout), lags)
	}

	// Rolling buffers over the last L days: log-space targets for lag
	// features, raw targets for the trailing means.
	logBuf := newRing(logValues(history), lags)
	rawBuf := newRing(rawValues(history), lags)

	salesIdx := make(map[string]map[time.Time]float64, len(r.Profile.Products))
	salesBuf := make(map[string]*ring, len(r.Profile.Products))
	lastSale := make(map[string]float64, len(r.Profile.Products))
	for _, product := range r.Profile.Products {
		idx := indexByDate(seed.Sales[product])
		salesIdx[product] = idx
		buf, last, err := seedSales(idx, start, lags)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", product, err)
		}
		salesBuf[product] = buf
		lastSale[product] = last
	}

	// Warm heuristic state by replaying the seed history, the same
	// Observe sequence training saw.
	hs := builder.Heuristics()
	replayHeuristics(hs, history, salesIdx, r.Profile.Products)

	actualIdx := indexByDate(seed.Actuals)

	var points []models.ForecastPoint
	var absErr []float64
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w at %s: %v", models.ErrJobCancelled, d.Format(models.DateLayout), err)
		}

		in := features.RowInput{
			Date:         d,
			TargetLags:   make([]float64, lags),
			ProductLags:  make(map[string][]float64, len(r.Profile.Products)),
			CurrentSales: make(map[string]float64, len(r.Profile.Products)),
			Pos7:         rawBuf.tailMean(7),
			Pos14:        rawBuf.tailMean(14),
		}
		for lag := 1; lag <= lags; lag++ {
			in.TargetLags[lag-1] = logBuf.lag(lag)
		}
		daySales := 0.0
		for _, product := range r.Profile.Products {
			pl := make([]float64, lags)
			for lag := 1; lag <= lags; lag++ {
				pl[lag-1] = salesBuf[product].lag(lag)
			}
			in.ProductLags[product] = pl

			// Future sales are unknown; hold the last recorded value
			// rather than fabricating a zero.
			sale, ok := salesIdx[product][d]
			if !ok {
				sale = lastSale[product]
			}
			in.CurrentSales[product] = sale
			daySales += sale
		}
		for _, h := range hs {
			in.HeuristicValues = append(in.HeuristicValues, h.Values(d, daySales)...)
		}

		vector := builder.Assemble(in)
		if r.Trace != nil {
			r.Trace(d, r.Model.FeatureColumns, vector)
		}

		// Model output is in log space; case counts cannot be negative.
		pred := math.Expm1(r.Model.Regressor.Predict(vector))
		if pred < 0 {
			pred = 0
		}
		pred = math.Round(pred)

		point := models.ForecastPoint{
			Disease:      r.Profile.Name,
			Date:         d,
			Predicted:    pred,
			ModelVersion: r.Model.Version,
		}
		if actual, ok := actualIdx[d]; ok {
			a := actual
			point.Actual = &a
			absErr = append(absErr, math.Abs(pred-actual))
		}
		points = append(points, point)

		// The prediction now stands in for the observation: it feeds the
		// lag buffers and heuristic state for days d+1 .. d+L.
		for _, h := range hs {
			h.Observe(d, pred, daySales)
		}
		logBuf.push(math.Log1p(pred))
		rawBuf.push(pred)
		for _, product := range r.Profile.Products {
			salesBuf[product].push(in.CurrentSales[product])
		}
	}

	result := &Result{Points: points}
	if len(absErr) > 0 {
		if mae, err := stats.Mean(absErr); err == nil {
			result.AccuracyMAE = &mae
		}
	}
	return result, nil
}

// checkColumns guards the training/forecasting lag-constant mismatch bug
// class: the profile must reproduce the exact column list the model was
// trained on.
func (r *Runner) checkColumns(columns []string) error {
	trained := r.Model.FeatureColumns
	if len(columns) != len(trained) {
		return fmt.Errorf("profile %s builds %d feature columns but model v%d was trained on %d",
			r.Profile.Name, len(columns), r.Model.Version, len(trained))
	}
	for i := range columns {
		if columns[i] != trained[i] {
			return fmt.Errorf("feature column %d mismatch: profile builds %q, model v%d was trained on %q",
				i, columns[i], r.Model.Version, trained[i])
		}
	}
	return nil
}

// seedSales fills a product's lag buffer from the L days before start,
// holding the most recent known value across gaps.
func seedSales(idx map[time.Time]float64, start time.Time, lags int) (*ring, float64, error) {
	// Leading gaps in the window inherit the most recent value recorded
	// before it.
	last := math.NaN()
	earliest := start.AddDate(0, 0, -lags)
	var latestPrior time.Time
	for d, v := range idx {
		if d.Before(earliest) && (latestPrior.IsZero() || d.After(latestPrior)) {
			latestPrior = d
			last = v
		}
	}

	values := make([]float64, lags)
	for i := 0; i < lags; i++ {
		d := start.AddDate(0, 0, i-lags)
		if v, ok := idx[d]; ok {
			last = v
		}
		values[i] = last
	}
	for _, v := range values {
		if math.IsNaN(v) {
			return nil, 0, fmt.Errorf("%w: no sales history before %s",
				models.ErrInsufficientSeed, start.Format(models.DateLayout))
		}
	}
	return newRing(values, lags), last, nil
}

// replayHeuristics advances heuristic state through the seed history in date
// order, mirroring the Observe sequence of training.
func replayHeuristics(hs []features.Heuristic, history []models.Observation, salesIdx map[string]map[time.Time]float64, products []string) {
	for _, obs := range history {
		d := models.Day(obs.Date)
		total := 0.0
		for _, product := range products {
			v, ok := salesIdx[product][d]
			if !ok {
				total = math.NaN()
				break
			}
			total += v
		}
		for _, h := range hs {
			h.Observe(d, obs.Value, total)
		}
	}
}

func logValues(obs []models.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = math.Log1p(o.Value)
	}
	return out
}

func rawValues(obs []models.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}

func indexByDate(obs []models.Observation) map[time.Time]float64 {
	idx := make(map[time.Time]float64, len(obs))
	for _, o := range obs {
		idx[models.Day(o.Date)] = o.Value
	}
	return idx
}
