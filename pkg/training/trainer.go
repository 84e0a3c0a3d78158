// Package training fits the per-disease regression ensemble: bagged
// regression trees over the log1p-transformed case counts, with fixed
// hyperparameters and a fixed seed so a given feature table always produces
// the same model.
package training

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/epicast/epicast-go/pkg/models"
)

// Fixed hyperparameters. NumTrees and Seed match the source models; changing
// them invalidates reproducibility of recorded metrics.
const (
	NumTrees = 300
	Seed     = 42

	maxDepth   = 10
	minSamples = 2
)

// Forest is a bagged ensemble of regression trees. It predicts in log space;
// callers invert with expm1 before reporting case counts.
type Forest struct {
	Trees []*Node `json:"trees"`
	Seed  int64   `json:"seed"`
}

// Predict returns the mean prediction of all trees for one feature vector.
func (f *Forest) Predict(features []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range f.Trees {
		sum += predictTree(tree, features)
	}
	return sum / float64(len(f.Trees))
}

var _ models.Regressor = (*Forest)(nil)

// Train fits the ensemble on fully-populated feature rows and returns an
// unversioned TrainedModel (the registry assigns versions on save).
//
// The recorded MAE is computed over the training rows in log space: a
// fit-quality signal, not a held-out metric.
func Train(profile models.DiseaseProfile, columns []string, rows []models.FeatureRow) (tm *models.TrainedModel, err error) {
	// A degenerate fit must surface as a reportable error, never crash a
	// worker mid-job.
	defer func() {
		if r := recover(); r != nil {
			tm = nil
			err = fmt.Errorf("%w: %v", models.ErrTrainingFailed, r)
		}
	}()

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no feature rows for %s", models.ErrInsufficientData, profile.Name)
	}
	for _, row := range rows {
		if len(row.Vector) != len(columns) {
			return nil, fmt.Errorf("%w: row %s has %d features, expected %d",
				models.ErrTrainingFailed, row.Date.Format(models.DateLayout), len(row.Vector), len(columns))
		}
	}

	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Vector
		y[i] = row.Y
	}

	forest := fit(x, y)

	preds := make([]float64, len(rows))
	absErr := make([]float64, len(rows))
	for i := range x {
		preds[i] = forest.Predict(x[i])
		absErr[i] = math.Abs(preds[i] - y[i])
	}
	mae, err := stats.Mean(absErr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTrainingFailed, err)
	}

	return &models.TrainedModel{
		Disease:        profile.Name,
		Lags:           profile.LagWindow(),
		FeatureColumns: columns,
		Metrics:        models.ModelMetrics{TrainMAE: mae, Samples: len(rows)},
		TrainedAt:      time.Now().UTC(),
		Regressor:      forest,
	}, nil
}

// fit grows NumTrees trees, each on a bootstrap sample drawn from a single
// seeded source so the ensemble is reproducible.
func fit(x [][]float64, y []float64) *Forest {
	rng := rand.New(rand.NewSource(Seed))
	n := len(x)
	params := treeParams{maxDepth: maxDepth, minSamples: minSamples}

	trees := make([]*Node, NumTrees)
	for t := 0; t < NumTrees; t++ {
		sampleX := make([][]float64, n)
		sampleY := make([]float64, n)
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			sampleX[i] = x[j]
			sampleY[i] = y[j]
		}
		trees[t] = buildTree(sampleX, sampleY, 0, params)
	}
	return &Forest{Trees: trees, Seed: Seed}
}
