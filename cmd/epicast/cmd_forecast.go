package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/orchestrator"
)

var forecastFlags struct {
	from string
	to   string
}

var forecastCmd = &cobra.Command{
	Use:   "forecast <disease>",
	Short: "Forecast case counts using the active model",
	Long: `Submit a forecast-only job for a disease over a date window. The job
runs against the registry's active model (the pinned version if one is set,
otherwise the latest). Predictions are printed alongside any actuals already
recorded for the window.`,
	Args: cobra.ExactArgs(1),
	RunE: runForecast,
}

func init() {
	f := forecastCmd.Flags()
	f.StringVar(&forecastFlags.from, "from", "", "Forecast window start (YYYY-MM-DD)")
	f.StringVar(&forecastFlags.to, "to", "", "Forecast window end (YYYY-MM-DD)")
	forecastCmd.MarkFlagRequired("from")
	forecastCmd.MarkFlagRequired("to")
}

func runForecast(cmd *cobra.Command, args []string) error {
	disease := args[0]

	from, err := models.ParseDate(forecastFlags.from)
	if err != nil {
		return err
	}
	to, err := models.ParseDate(forecastFlags.to)
	if err != nil {
		return err
	}
	if to.Before(from) {
		return fmt.Errorf("forecast window end %s is before start %s", forecastFlags.to, forecastFlags.from)
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
		Disease:       disease,
		ForecastStart: from,
		ForecastEnd:   to,
		ForecastOnly:  true,
	}

	ctx := cmd.Context()
	id, err := orchestrator.Submit(ctx, s.jobs, s.queue, job)
	if err != nil {
		return err
	}

	if s.cfg.Queue.Backend != "memory" {
		fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\nQueued for worker pool.\n", id)
		return nil
	}
	if err := runInline(ctx, cmd, s, id); err != nil {
		return err
	}

	points, err := s.forecasts.Points(ctx, disease, from, to)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%-12s %10s %10s\n", "date", "predicted", "actual")
	for _, p := range points {
		actual := "-"
		if p.Actual != nil {
			actual = fmt.Sprintf("%.0f", *p.Actual)
		}
		fmt.Fprintf(out, "%-12s %10.0f %10s\n", p.Date.Format(models.DateLayout), p.Predicted, actual)
	}
	return nil
}
