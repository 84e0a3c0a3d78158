package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/epicast/epicast-go/pkg/models"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := NewJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewJobStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJob(id string) *models.TrainingJob {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.TrainingJob{
		ID:            id,
		Disease:       "MALARIA",
		TrainStart:    start,
		TrainEnd:      start.AddDate(0, 0, 89),
		ForecastStart: start.AddDate(0, 0, 90),
		ForecastEnd:   start.AddDate(0, 0, 96),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want PENDING", job.Status)
	}
	if job.Disease != "MALARIA" {
		t.Errorf("disease = %s", job.Disease)
	}
	if !job.WantsForecast() {
		t.Error("forecast window did not round-trip")
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Error("timestamps set before any transition")
	}
}

func TestGetMissingJob(t *testing.T) {
	store := newTestJobStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get error = %v, want ErrJobNotFound", err)
	}
}

func TestClaimIsIdempotent(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := store.ClaimForTraining(ctx, "job-1")
	if err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if !claimed {
		t.Fatal("first claim failed")
	}

	// A duplicate delivery loses the compare-and-set and is a no-op.
	claimed, err = store.ClaimForTraining(ctx, "job-1")
	if err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if claimed {
		t.Fatal("second claim succeeded; job processed twice")
	}

	job, _ := store.Get(ctx, "job-1")
	if job.Status != models.JobStatusTraining {
		t.Errorf("status = %s, want TRAINING", job.Status)
	}
	if job.StartedAt == nil {
		t.Error("started_at not stamped")
	}
}

func TestFullLifecycle(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.ClaimForTraining(ctx, "job-1"); err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if err := store.MarkTrained(ctx, "job-1", 4, 0.12, false); err != nil {
		t.Fatalf("MarkTrained: %v", err)
	}
	if err := store.MarkForecasting(ctx, "job-1"); err != nil {
		t.Fatalf("MarkForecasting: %v", err)
	}
	if err := store.MarkCompleted(ctx, "job-1"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", job.Status)
	}
	if job.ModelVersion == nil || *job.ModelVersion != 4 {
		t.Errorf("model version = %v, want 4", job.ModelVersion)
	}
	if job.TrainMAE == nil || *job.TrainMAE != 0.12 {
		t.Errorf("train MAE = %v, want 0.12", job.TrainMAE)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestTrainedIsTerminalWithoutForecast(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job := newTestJob("job-1")
	job.ForecastStart, job.ForecastEnd = time.Time{}, time.Time{}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.ClaimForTraining(ctx, "job-1"); err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if err := store.MarkTrained(ctx, "job-1", 1, 0.3, true); err != nil {
		t.Fatalf("MarkTrained: %v", err)
	}

	got, _ := store.Get(ctx, "job-1")
	if got.Status != models.JobStatusTrained {
		t.Errorf("status = %s, want TRAINED", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal TRAINED job missing completed_at")
	}
	if !got.Status.Terminal() {
		t.Error("TRAINED not reported terminal")
	}
}

func TestMarkFailedGuardsTerminalStates(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.ClaimForTraining(ctx, "job-1"); err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if err := store.MarkFailed(ctx, "job-1", errors.New("insufficient data")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	job, _ := store.Get(ctx, "job-1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want FAILED", job.Status)
	}
	if job.ErrorMessage != "insufficient data" {
		t.Errorf("error message = %q", job.ErrorMessage)
	}

	// A terminal job cannot fail again.
	if err := store.MarkFailed(ctx, "job-1", errors.New("again")); err == nil {
		t.Error("MarkFailed succeeded on a terminal job")
	}
}

func TestForecastOnlyClaim(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job := newTestJob("job-1")
	job.ForecastOnly = true
	job.TrainStart, job.TrainEnd = time.Time{}, time.Time{}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := store.ClaimForForecast(ctx, "job-1")
	if err != nil {
		t.Fatalf("ClaimForForecast: %v", err)
	}
	if !claimed {
		t.Fatal("claim failed")
	}

	got, _ := store.Get(ctx, "job-1")
	if got.Status != models.JobStatusForecasting {
		t.Errorf("status = %s, want FORECASTING", got.Status)
	}
	if !got.ForecastOnly {
		t.Error("forecast_only flag did not round-trip")
	}
}

func TestCancelFlag(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	flagged, err := store.CancelRequested(ctx, "job-1")
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if flagged {
		t.Error("cancel flagged before request")
	}

	if err := store.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	flagged, err = store.CancelRequested(ctx, "job-1")
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !flagged {
		t.Error("cancel flag not set")
	}

	// Terminal jobs reject cancellation.
	if _, err := store.ClaimForTraining(ctx, "job-1"); err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}
	if err := store.MarkFailed(ctx, "job-1", errors.New("x")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := store.RequestCancel(ctx, "job-1"); err == nil {
		t.Error("RequestCancel succeeded on a terminal job")
	}
}

func TestListFilters(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	j1 := newTestJob("job-1")
	j2 := newTestJob("job-2")
	j2.Disease = "DENGUE"
	for _, j := range []*models.TrainingJob{j1, j2} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.ClaimForTraining(ctx, "job-2"); err != nil {
		t.Fatalf("ClaimForTraining: %v", err)
	}

	all, err := store.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all jobs = %d, want 2", len(all))
	}

	dengue, err := store.List(ctx, "DENGUE", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(dengue) != 1 || dengue[0].ID != "job-2" {
		t.Errorf("DENGUE jobs = %+v", dengue)
	}

	pending, err := store.List(ctx, "", models.JobStatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "job-1" {
		t.Errorf("pending jobs = %+v", pending)
	}
}
