package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/orchestrator"
)

var trainFlags struct {
	from         string
	to           string
	forecastDays int
}

var trainCmd = &cobra.Command{
	Use:   "train <disease>",
	Short: "Train a model on stored history, optionally forecasting afterwards",
	Long: `Submit a training job for a disease over a date range of stored
observations. With --forecast-days the job continues into a recursive
forecast starting the day after the training window.

With the in-memory queue backend (the default) the job runs inline and the
command exits non-zero if it fails. With the redis backend the job is handed
to the worker pool.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainFlags.from, "from", "", "Training window start (YYYY-MM-DD)")
	f.StringVar(&trainFlags.to, "to", "", "Training window end (YYYY-MM-DD)")
	f.IntVar(&trainFlags.forecastDays, "forecast-days", 0, "Days to forecast after the training window")
	trainCmd.MarkFlagRequired("from")
	trainCmd.MarkFlagRequired("to")
}

func runTrain(cmd *cobra.Command, args []string) error {
	disease := args[0]

	trainStart, err := models.ParseDate(trainFlags.from)
	if err != nil {
		return err
	}
	trainEnd, err := models.ParseDate(trainFlags.to)
	if err != nil {
		return err
	}
	if trainEnd.Before(trainStart) {
		return fmt.Errorf("training window end %s is before start %s", trainFlags.to, trainFlags.from)
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, ok := s.cfg.Profiles()[disease]; !ok {
		return fmt.Errorf("no disease profile configured for %q", disease)
	}

	job := &models.TrainingJob{
		Disease:    disease,
		TrainStart: trainStart,
		TrainEnd:   trainEnd,
	}
	if trainFlags.forecastDays > 0 {
		job.ForecastStart = trainEnd.AddDate(0, 0, 1)
		job.ForecastEnd = trainEnd.AddDate(0, 0, trainFlags.forecastDays)
	}

	ctx := cmd.Context()
	id, err := orchestrator.Submit(ctx, s.jobs, s.queue, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", id)

	if s.cfg.Queue.Backend != "memory" {
		fmt.Fprintln(cmd.OutOrStdout(), "Queued for worker pool.")
		return nil
	}
	return runInline(ctx, cmd, s, id)
}

// runInline drains the in-process queue and reports the job's terminal state.
func runInline(ctx context.Context, cmd *cobra.Command, s *stores, id string) error {
	w := s.worker()
	for {
		spec, err := s.queue.ClaimNext(ctx)
		if err != nil {
			return err
		}
		if spec == nil {
			break
		}
		w.Process(ctx, spec)
	}

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	printJob(cmd, job)
	if job.Status == models.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
	}
	return nil
}

func printJob(cmd *cobra.Command, job *models.TrainingJob) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Disease:  %s\n", job.Disease)
	fmt.Fprintf(out, "Status:   %s\n", job.Status)
	if job.ModelVersion != nil {
		fmt.Fprintf(out, "Model:    v%d\n", *job.ModelVersion)
	}
	if job.TrainMAE != nil {
		fmt.Fprintf(out, "TrainMAE: %.4f (log space)\n", *job.TrainMAE)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", job.ErrorMessage)
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
}
