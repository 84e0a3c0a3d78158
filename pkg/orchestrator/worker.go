package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epicast/epicast-go/pkg/features"
	"github.com/epicast/epicast-go/pkg/forecast"
	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/queue"
	"github.com/epicast/epicast-go/pkg/registry"
	"github.com/epicast/epicast-go/pkg/series"
	"github.com/epicast/epicast-go/pkg/training"
	"github.com/epicast/epicast-go/utils"
)

// seedLookbackDays bounds how much history a forecast-only job reads to warm
// its lag buffers and heuristic state.
const seedLookbackDays = 120

// cancelPollInterval is how often a running job re-checks its cancel flag.
const cancelPollInterval = time.Second

// Worker pulls job specs off the queue and drives them through training and
// forecasting. A job failure is recorded on the job, never bubbled up as a
// worker failure; the worker keeps claiming.
type Worker struct {
	Queue     queue.TaskQueue
	Jobs      *JobStore
	Series    series.Reader
	Registry  *registry.Registry
	Forecasts forecast.Store
	Profiles  map[string]models.DiseaseProfile
	Logger    *utils.Logger

	// PollInterval is the idle wait between empty queue checks.
	PollInterval time.Duration
}

// Submit records a new PENDING job and enqueues its spec. The returned ID
// identifies the job in both stores.
func Submit(ctx context.Context, jobs *JobStore, q queue.TaskQueue, job *models.TrainingJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.JobStatusPending
	job.SubmittedAt = time.Now().UTC()

	if err := jobs.Create(ctx, job); err != nil {
		return "", err
	}
	_, err := q.Submit(ctx, queue.JobSpec{
		ID:            job.ID,
		Disease:       job.Disease,
		TrainStart:    job.TrainStart,
		TrainEnd:      job.TrainEnd,
		ForecastStart: job.ForecastStart,
		ForecastEnd:   job.ForecastEnd,
		ForecastOnly:  job.ForecastOnly,
		SubmittedAt:   job.SubmittedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	w.Logger.Info("worker started", utils.Component("worker"))
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("worker stopping", utils.Component("worker"))
			return ctx.Err()
		default:
		}

		spec, err := w.Queue.ClaimNext(ctx)
		if err != nil {
			w.Logger.Error("failed to claim job", err, utils.Component("worker"))
			sleep(ctx, interval)
			continue
		}
		if spec == nil {
			sleep(ctx, interval)
			continue
		}

		w.Process(ctx, spec)
	}
}

// Process runs one job spec to a terminal state. Claims that lose the
// compare-and-set race are skipped silently: duplicate deliveries are
// expected and harmless.
func (w *Worker) Process(ctx context.Context, spec *queue.JobSpec) {
	log := w.Logger.WithFields(
		utils.Component("worker"),
		utils.String("job_id", spec.ID),
		utils.String("disease", spec.Disease))

	profile, ok := w.Profiles[spec.Disease]
	if !ok {
		w.fail(ctx, spec.ID, fmt.Errorf("no disease profile configured for %q", spec.Disease), log)
		return
	}

	// The job ctx is cancelled when the store's cancel flag is raised, so
	// long stages stop at their next checkpoint.
	jobCtx, stop := w.watchCancel(ctx, spec.ID)
	defer stop()

	if spec.ForecastOnly {
		w.runForecastOnly(jobCtx, spec, profile, log)
		return
	}
	w.runTrainAndForecast(jobCtx, spec, profile, log)
}

func (w *Worker) runTrainAndForecast(ctx context.Context, spec *queue.JobSpec, profile models.DiseaseProfile, log *utils.FieldLogger) {
	claimed, err := w.Jobs.ClaimForTraining(ctx, spec.ID)
	if err != nil {
		log.Error("failed to claim job for training", err)
		return
	}
	if !claimed {
		log.Debug("job already claimed, skipping")
		return
	}
	if w.cancelled(ctx, spec.ID) {
		w.fail(ctx, spec.ID, fmt.Errorf("%w before training", models.ErrJobCancelled), log)
		return
	}
	w.report(ctx, spec.ID, models.JobStatusTraining, "", log)

	log.Info("training started",
		utils.String("train_start", spec.TrainStart.Format(models.DateLayout)),
		utils.String("train_end", spec.TrainEnd.Format(models.DateLayout)))

	model, err := w.train(ctx, spec, profile)
	if err != nil {
		w.fail(ctx, spec.ID, err, log)
		return
	}

	version, err := w.Registry.Save(model)
	if err != nil {
		w.fail(ctx, spec.ID, fmt.Errorf("failed to save model: %w", err), log)
		return
	}
	model.Version = version

	wantsForecast := !spec.ForecastStart.IsZero() && !spec.ForecastEnd.IsZero()
	if err := w.Jobs.MarkTrained(ctx, spec.ID, version, model.Metrics.TrainMAE, !wantsForecast); err != nil {
		log.Error("failed to record trained state", err)
		return
	}
	log.Info("training completed",
		utils.Int("model_version", version),
		utils.Float("train_mae", model.Metrics.TrainMAE),
		utils.Int("samples", model.Metrics.Samples))
	w.report(ctx, spec.ID, models.JobStatusTrained,
		fmt.Sprintf("version=%d train_mae=%.4f", version, model.Metrics.TrainMAE), log)

	if !wantsForecast {
		return
	}

	if ctx.Err() != nil || w.cancelled(ctx, spec.ID) {
		w.fail(ctx, spec.ID, fmt.Errorf("%w before forecasting", models.ErrJobCancelled), log)
		return
	}
	if err := w.Jobs.MarkForecasting(ctx, spec.ID); err != nil {
		log.Error("failed to record forecasting state", err)
		return
	}
	w.report(ctx, spec.ID, models.JobStatusForecasting, "", log)
	w.forecastStage(ctx, spec, profile, model, log)
}

func (w *Worker) runForecastOnly(ctx context.Context, spec *queue.JobSpec, profile models.DiseaseProfile, log *utils.FieldLogger) {
	claimed, err := w.Jobs.ClaimForForecast(ctx, spec.ID)
	if err != nil {
		log.Error("failed to claim job for forecasting", err)
		return
	}
	if !claimed {
		log.Debug("job already claimed, skipping")
		return
	}
	if w.cancelled(ctx, spec.ID) {
		w.fail(ctx, spec.ID, fmt.Errorf("%w before forecasting", models.ErrJobCancelled), log)
		return
	}

	model, err := w.Registry.LoadActive(spec.Disease)
	if err != nil {
		w.fail(ctx, spec.ID, err, log)
		return
	}
	if err := w.Jobs.SetModelVersion(ctx, spec.ID, model.Version); err != nil {
		log.Error("failed to record model version", err)
		return
	}
	w.report(ctx, spec.ID, models.JobStatusForecasting,
		fmt.Sprintf("version=%d", model.Version), log)
	w.forecastStage(ctx, spec, profile, model, log)
}

// train assembles the feature table from stored observations and fits the
// ensemble.
func (w *Worker) train(ctx context.Context, spec *queue.JobSpec, profile models.DiseaseProfile) (*models.TrainedModel, error) {
	target, err := w.Series.CaseSeries(ctx, spec.Disease, spec.TrainStart, spec.TrainEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load case series: %w", err)
	}

	// Sales lags reach before the train window; fetch the extra days so
	// early rows are not dropped for missing lag values.
	salesFrom := spec.TrainStart.AddDate(0, 0, -profile.LagWindow())
	sales := make(map[string][]models.Observation, len(profile.Products))
	for _, product := range profile.Products {
		obs, err := w.Series.SalesSeries(ctx, product, salesFrom, spec.TrainEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to load sales series for %s: %w", product, err)
		}
		sales[product] = obs
	}

	builder, err := features.NewBuilder(profile)
	if err != nil {
		return nil, err
	}
	rows, err := builder.Build(target, sales, spec.TrainEnd)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w during training: %v", models.ErrJobCancelled, err)
	}

	return training.Train(profile, builder.Columns(), rows)
}

// forecastStage runs the recursive forecaster and persists its points.
func (w *Worker) forecastStage(ctx context.Context, spec *queue.JobSpec, profile models.DiseaseProfile, model *models.TrainedModel, log *utils.FieldLogger) {
	seed, err := w.loadSeed(ctx, spec, profile, model.Lags)
	if err != nil {
		w.fail(ctx, spec.ID, err, log)
		return
	}

	runner := &forecast.Runner{Profile: profile, Model: model}
	result, err := runner.Run(ctx, spec.ForecastStart, spec.ForecastEnd, seed)
	if err != nil {
		w.fail(ctx, spec.ID, err, log)
		return
	}

	if err := w.Forecasts.UpsertPoints(ctx, result.Points); err != nil {
		w.fail(ctx, spec.ID, fmt.Errorf("failed to persist forecast: %w", err), log)
		return
	}
	if err := w.Jobs.MarkCompleted(ctx, spec.ID); err != nil {
		log.Error("failed to record completed state", err)
		return
	}
	w.report(ctx, spec.ID, models.JobStatusCompleted,
		fmt.Sprintf("points=%d", len(result.Points)), log)

	fields := []utils.Field{
		utils.Int("points", len(result.Points)),
		utils.Int("model_version", model.Version),
	}
	if result.AccuracyMAE != nil {
		fields = append(fields, utils.Float("accuracy_mae", *result.AccuracyMAE))
	}
	log.Info("forecast completed", fields...)
}

// loadSeed gathers the history a forecast starts from: target and sales
// observations before the window, plus any actuals already recorded inside
// it for accuracy reporting.
func (w *Worker) loadSeed(ctx context.Context, spec *queue.JobSpec, profile models.DiseaseProfile, lags int) (forecast.SeedData, error) {
	from := spec.TrainStart
	if spec.ForecastOnly || from.IsZero() {
		from = spec.ForecastStart.AddDate(0, 0, -seedLookbackDays)
	}
	dayBefore := spec.ForecastStart.AddDate(0, 0, -1)

	target, err := w.Series.CaseSeries(ctx, spec.Disease, from, dayBefore)
	if err != nil {
		return forecast.SeedData{}, fmt.Errorf("failed to load seed cases: %w", err)
	}

	sales := make(map[string][]models.Observation, len(profile.Products))
	for _, product := range profile.Products {
		// Sales inside the window are included when already recorded;
		// the runner holds the last value across the rest.
		obs, err := w.Series.SalesSeries(ctx, product, from.AddDate(0, 0, -lags), spec.ForecastEnd)
		if err != nil {
			return forecast.SeedData{}, fmt.Errorf("failed to load seed sales for %s: %w", product, err)
		}
		sales[product] = obs
	}

	actuals, err := w.Series.CaseSeries(ctx, spec.Disease, spec.ForecastStart, spec.ForecastEnd)
	if err != nil {
		return forecast.SeedData{}, fmt.Errorf("failed to load actuals: %w", err)
	}

	return forecast.SeedData{Target: target, Sales: sales, Actuals: actuals}, nil
}

// cancelled reports whether the job's cancel flag is set, treating store
// errors as not cancelled.
func (w *Worker) cancelled(ctx context.Context, id string) bool {
	flagged, err := w.Jobs.CancelRequested(context.WithoutCancel(ctx), id)
	return err == nil && flagged
}

// fail moves the job to FAILED and logs the cause.
func (w *Worker) fail(ctx context.Context, id string, cause error, log *utils.FieldLogger) {
	if errors.Is(cause, models.ErrJobCancelled) {
		log.Warn("job cancelled", utils.String("cause", cause.Error()))
	} else {
		log.Error("job failed", cause)
	}
	// Use the parent context so a cancelled job ctx cannot block the
	// terminal write.
	if err := w.Jobs.MarkFailed(context.WithoutCancel(ctx), id, cause); err != nil {
		log.Error("failed to record failed state", err)
	}
	w.report(ctx, id, models.JobStatusFailed, cause.Error(), log)
}

// report publishes a progress update on the queue for remote submitters. The
// job store stays authoritative; a failed report is only logged.
func (w *Worker) report(ctx context.Context, id string, status models.JobStatus, payload string, log *utils.FieldLogger) {
	if err := w.Queue.ReportProgress(context.WithoutCancel(ctx), id, string(status), payload); err != nil {
		log.Debug("failed to report progress", utils.String("cause", err.Error()))
	}
}

// watchCancel derives a context that is cancelled when the job's cancel flag
// is raised in the store.
func (w *Worker) watchCancel(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				flagged, err := w.Jobs.CancelRequested(jobCtx, id)
				if err == nil && flagged {
					cancel()
					return
				}
			}
		}
	}()
	return jobCtx, cancel
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
