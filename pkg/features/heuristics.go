package features

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/epicast/epicast-go/pkg/models"
)

// Heuristic is a disease-specific cyclical/surge adjustment. Each value owns
// its own state: it is constructed (or cloned) per run, warmed by observing
// history in date order, and queried for feature values before the day it is
// asked about has been observed. Nothing here is process-global.
//
// The same Observe sequence runs during training (with actual targets) and
// during forecasting (with each day's own prediction standing in for the
// actual), so lag-dependent heuristic features stay consistent across both.
type Heuristic interface {
	// Names returns the feature columns this heuristic contributes.
	Names() []string
	// Values returns the feature values for day d given state accumulated
	// from days strictly before d. sales is the day's total correlated
	// sales, NaN when unknown.
	Values(d time.Time, sales float64) []float64
	// Observe advances state with day d's resolved target and sales.
	Observe(d time.Time, target, sales float64)
	// Clone returns an independent copy of the heuristic and its state.
	Clone() Heuristic
}

// Heuristic names accepted in a disease profile.
const (
	HeuristicPeakCycle  = "peak_cycle"
	HeuristicSalesSurge = "sales_surge"
	HeuristicSalesRatio = "sales_ratio"
)

const (
	defaultPeakThreshold = 100
	defaultPeakCycleDays = 4

	surgeBaseline = 1.0

	ratioWindow = 7
)

// NewHeuristics builds the heuristic set named by a disease profile.
func NewHeuristics(p models.DiseaseProfile) ([]Heuristic, error) {
	hs := make([]Heuristic, 0, len(p.Heuristics))
	for _, name := range p.Heuristics {
		switch name {
		case HeuristicPeakCycle:
			threshold := p.PeakThreshold
			if threshold == 0 {
				threshold = defaultPeakThreshold
			}
			cycle := p.PeakCycleDays
			if cycle == 0 {
				cycle = defaultPeakCycleDays
			}
			hs = append(hs, &peakCycle{threshold: threshold, cycleDays: cycle})
		case HeuristicSalesSurge:
			hs = append(hs, &salesSurge{score: surgeBaseline})
		case HeuristicSalesRatio:
			hs = append(hs, &salesRatio{})
		default:
			return nil, fmt.Errorf("unknown heuristic %q for disease %s", name, p.Name)
		}
	}
	return hs, nil
}

// peakCycle tracks the date of the last case-count peak. A day whose target
// exceeds the floor threshold becomes a new peak unless one was already
// flagged within the cycle window; other days inherit the days-since-peak
// count. It contributes the count itself and the on-cycle indicator.
type peakCycle struct {
	threshold float64
	cycleDays int
	lastPeak  time.Time // zero until the first peak is seen
}

func (h *peakCycle) Names() []string {
	return []string{"days_since_peak", "peak_cycle"}
}

func (h *peakCycle) Values(d time.Time, _ float64) []float64 {
	if h.lastPeak.IsZero() {
		// No peak observed yet: the count is undefined, so the row stays
		// incomplete until the first peak (missing, not zero).
		return []float64{math.NaN(), 0}
	}
	days := models.DaysBetween(h.lastPeak, d)
	cycle := 0.0
	if days == h.cycleDays {
		cycle = 1.0
	}
	return []float64{float64(days), cycle}
}

func (h *peakCycle) Observe(d time.Time, target, _ float64) {
	if target <= h.threshold {
		return
	}
	if h.lastPeak.IsZero() || models.DaysBetween(h.lastPeak, d) > h.cycleDays {
		h.lastPeak = models.Day(d)
	}
}

func (h *peakCycle) Clone() Heuristic {
	c := *h
	return &c
}

// salesSurge keeps a surge score that doubles from baseline when correlated
// sales rose on two consecutive prior days and otherwise decays halfway back
// toward baseline.
type salesSurge struct {
	score      float64
	s1, s2, s3 float64 // most recent three observed sales totals
	seen       int
}

func (h *salesSurge) Names() []string { return []string{"surge_score"} }

func (h *salesSurge) Values(time.Time, float64) []float64 {
	return []float64{h.score}
}

func (h *salesSurge) Observe(_ time.Time, _ float64, sales float64) {
	if math.IsNaN(sales) {
		// Unknown sales: the score decays as on a quiet day, but the
		// history window does not advance with a fabricated zero.
		h.score = surgeBaseline + (h.score-surgeBaseline)*0.5
		return
	}
	h.s3, h.s2, h.s1 = h.s2, h.s1, sales
	h.seen++
	if h.seen >= 3 && h.s1 > h.s2 && h.s2 > h.s3 {
		h.score = surgeBaseline * 2
	} else {
		h.score = surgeBaseline + (h.score-surgeBaseline)*0.5
	}
}

func (h *salesSurge) Clone() Heuristic {
	c := *h
	return &c
}

// salesRatio compares the day's total sales against the trailing 7-day mean
// and emits the outbreak multiplier the ratio maps to: 2.5 when sales at
// least doubled, 0.75 when they dropped below three quarters, 1.0 otherwise.
type salesRatio struct {
	window []float64
}

func (h *salesRatio) Names() []string { return []string{"sales_ratio_mult"} }

func (h *salesRatio) Values(_ time.Time, sales float64) []float64 {
	if len(h.window) < ratioWindow || math.IsNaN(sales) {
		return []float64{math.NaN()}
	}
	avg, err := stats.Mean(h.window)
	if err != nil || avg <= 0 {
		return []float64{math.NaN()}
	}
	ratio := sales / avg
	switch {
	case ratio >= 2.0:
		return []float64{2.5}
	case ratio < 0.75:
		return []float64{0.75}
	default:
		return []float64{1.0}
	}
}

func (h *salesRatio) Observe(_ time.Time, _ float64, sales float64) {
	if math.IsNaN(sales) {
		return
	}
	h.window = append(h.window, sales)
	if len(h.window) > ratioWindow {
		h.window = h.window[1:]
	}
}

func (h *salesRatio) Clone() Heuristic {
	c := &salesRatio{window: make([]float64, len(h.window))}
	copy(c.window, h.window)
	return c
}

// cloneAll copies a heuristic set for an independent run.
func cloneAll(hs []Heuristic) []Heuristic {
	out := make([]Heuristic, len(hs))
	for i, h := range hs {
		out[i] = h.Clone()
	}
	return out
}
