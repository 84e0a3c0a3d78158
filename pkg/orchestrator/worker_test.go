package orchestrator

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epicast/epicast-go/pkg/forecast"
	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/queue"
	"github.com/epicast/epicast-go/pkg/registry"
	"github.com/epicast/epicast-go/pkg/series"
	"github.com/epicast/epicast-go/utils"
)

type testEnv struct {
	worker    *Worker
	queue     *queue.MemoryQueue
	jobs      *JobStore
	series    *series.SQLiteStore
	registry  *registry.Registry
	forecasts *forecast.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	seriesStore, err := series.NewSQLiteStore(filepath.Join(dir, "series.db"))
	if err != nil {
		t.Fatalf("series store: %v", err)
	}
	jobs, err := NewJobStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("job store: %v", err)
	}
	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "models"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	forecasts, err := forecast.NewSQLiteStore(filepath.Join(dir, "forecasts.db"))
	if err != nil {
		t.Fatalf("forecast store: %v", err)
	}
	t.Cleanup(func() {
		forecasts.Close()
		reg.Close()
		jobs.Close()
		seriesStore.Close()
	})

	logger := newQuietLogger()
	q := queue.NewMemoryQueue()
	w := &Worker{
		Queue:     q,
		Jobs:      jobs,
		Series:    seriesStore,
		Registry:  reg,
		Forecasts: forecasts,
		Profiles: map[string]models.DiseaseProfile{
			"MALARIA": {Name: "MALARIA", Products: []string{"Coartem"}},
		},
		Logger: logger,
	}
	return &testEnv{
		worker:    w,
		queue:     q,
		jobs:      jobs,
		series:    seriesStore,
		registry:  reg,
		forecasts: forecasts,
	}
}

// seedHistory stores n days of synthetic case counts and sales starting at
// start.
func (e *testEnv) seedHistory(t *testing.T, start time.Time, n int) {
	t.Helper()
	ctx := context.Background()
	cases := make([]models.Observation, n)
	sales := make([]models.Observation, n)
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		cases[i] = models.Observation{Date: d, Series: "MALARIA", Value: float64(5 + i%10)}
		sales[i] = models.Observation{Date: d, Series: "Coartem", Value: float64(50 + i%5)}
	}
	if err := e.series.PutObservations(ctx, models.KindCases, cases); err != nil {
		t.Fatalf("put cases: %v", err)
	}
	if err := e.series.PutObservations(ctx, models.KindSales, sales); err != nil {
		t.Fatalf("put sales: %v", err)
	}
}

// submit creates the job and returns the spec the queue would deliver.
func (e *testEnv) submit(t *testing.T, job *models.TrainingJob) *queue.JobSpec {
	t.Helper()
	ctx := context.Background()
	if _, err := Submit(ctx, e.jobs, e.queue, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	spec, err := e.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if spec == nil {
		t.Fatal("queue empty after submit")
	}
	return spec
}

func TestWorkerTrainAndForecast(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:       "MALARIA",
		TrainStart:    start,
		TrainEnd:      start.AddDate(0, 0, 59),
		ForecastStart: start.AddDate(0, 0, 60),
		ForecastEnd:   start.AddDate(0, 0, 62),
	})
	env.worker.Process(ctx, spec)

	job, err := env.jobs.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", job.Status, job.ErrorMessage)
	}
	if job.ModelVersion == nil || *job.ModelVersion != 1 {
		t.Errorf("model version = %v, want 1", job.ModelVersion)
	}
	if job.TrainMAE == nil {
		t.Error("train MAE not recorded")
	}

	model, err := env.registry.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if model.Version != 1 {
		t.Errorf("registry version = %d", model.Version)
	}

	points, err := env.forecasts.Points(ctx, "MALARIA", spec.ForecastStart, spec.ForecastEnd)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("got %d forecast points, want 3", len(points))
	}
	for _, p := range points {
		if p.Predicted < 0 {
			t.Errorf("negative prediction %v on %s", p.Predicted, p.Date.Format(models.DateLayout))
		}
		if p.ModelVersion != 1 {
			t.Errorf("point model version = %d", p.ModelVersion)
		}
	}

	update, err := env.queue.Progress(ctx, spec.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if update == nil || update.Status != string(models.JobStatusCompleted) {
		t.Errorf("progress = %+v, want COMPLETED report", update)
	}
}

func TestWorkerTrainOnly(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:    "MALARIA",
		TrainStart: start,
		TrainEnd:   start.AddDate(0, 0, 59),
	})
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusTrained {
		t.Fatalf("status = %s (%s), want TRAINED", job.Status, job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Error("train-only TRAINED job missing completed_at")
	}
}

func TestWorkerInsufficientDataFails(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 20) // too short for 15 complete rows
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:    "MALARIA",
		TrainStart: start,
		TrainEnd:   start.AddDate(0, 0, 19),
	})
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "insufficient") {
		t.Errorf("error message = %q", job.ErrorMessage)
	}
}

func TestWorkerUnknownDiseaseFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	spec := env.submit(t, &models.TrainingJob{
		Disease:    "EBOLA",
		TrainStart: start,
		TrainEnd:   start.AddDate(0, 0, 59),
	})
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
}

func TestWorkerDuplicateDeliveryIsNoop(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:    "MALARIA",
		TrainStart: start,
		TrainEnd:   start.AddDate(0, 0, 59),
	})
	env.worker.Process(ctx, spec)
	env.worker.Process(ctx, spec) // duplicate delivery

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusTrained {
		t.Fatalf("status = %s, want TRAINED", job.Status)
	}
	// A second processing must not have trained a second model.
	model, err := env.registry.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if model.Version != 1 {
		t.Errorf("version = %d, want 1 after duplicate delivery", model.Version)
	}
}

func TestWorkerForecastOnlyWithoutModelFails(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:       "MALARIA",
		ForecastStart: start.AddDate(0, 0, 60),
		ForecastEnd:   start.AddDate(0, 0, 62),
		ForecastOnly:  true,
	})
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "model not found") {
		t.Errorf("error message = %q", job.ErrorMessage)
	}
}

func TestWorkerForecastOnlyUsesActiveModel(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	// Train first.
	trainSpec := env.submit(t, &models.TrainingJob{
		Disease:    "MALARIA",
		TrainStart: start,
		TrainEnd:   start.AddDate(0, 0, 59),
	})
	env.worker.Process(ctx, trainSpec)

	spec := env.submit(t, &models.TrainingJob{
		Disease:       "MALARIA",
		ForecastStart: start.AddDate(0, 0, 60),
		ForecastEnd:   start.AddDate(0, 0, 64),
		ForecastOnly:  true,
	})
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", job.Status, job.ErrorMessage)
	}
	if job.ModelVersion == nil || *job.ModelVersion != 1 {
		t.Errorf("model version = %v, want 1", job.ModelVersion)
	}

	points, err := env.forecasts.Points(ctx, "MALARIA", spec.ForecastStart, spec.ForecastEnd)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if len(points) != 5 {
		t.Errorf("got %d points, want 5", len(points))
	}
}

func TestWorkerCancelBeforeForecast(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.seedHistory(t, start, 60)
	ctx := context.Background()

	spec := env.submit(t, &models.TrainingJob{
		Disease:       "MALARIA",
		ForecastStart: start.AddDate(0, 0, 60),
		ForecastEnd:   start.AddDate(0, 0, 62),
		ForecastOnly:  true,
	})

	// Cancel before the worker picks it up; the claim still happens but
	// the run stops at the first checkpoint after it.
	if err := env.jobs.RequestCancel(ctx, spec.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	env.worker.Process(ctx, spec)

	job, _ := env.jobs.Get(ctx, spec.ID)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "cancelled") {
		t.Errorf("error message = %q", job.ErrorMessage)
	}
}

func newQuietLogger() *utils.Logger {
	l := utils.NewLogger()
	l.SetOutput(io.Discard)
	return l
}
