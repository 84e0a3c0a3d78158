package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/scheduler"
	"github.com/epicast/epicast-go/utils"
)

var workerFlags struct {
	concurrency int
	noSchedule  bool
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker pool",
	Long: `Run workers that claim submitted jobs and drive them through training
and forecasting. Also runs the retraining scheduler for profiles that carry a
cron schedule, unless --no-schedule is set. Stops gracefully on SIGINT or
SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.IntVar(&workerFlags.concurrency, "concurrency", 0, "Worker goroutines (default: config value)")
	f.BoolVar(&workerFlags.noSchedule, "no-schedule", false, "Disable the retraining scheduler")
}

func runWorker(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency := workerFlags.concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Worker.Concurrency
	}

	if !workerFlags.noSchedule {
		sched := scheduler.NewService(s.jobs, s.queue, s.logger)
		for _, profile := range s.cfg.Diseases {
			if err := sched.Register(profile); err != nil {
				return err
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	s.logger.Info("worker pool starting",
		utils.Component("worker"),
		utils.Int("concurrency", concurrency),
		utils.String("queue_backend", s.cfg.Queue.Backend))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		w := s.worker()
		w.PollInterval = time.Duration(s.cfg.Worker.PollIntervalSecs) * time.Second
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info("worker pool stopped", utils.Component("worker"))

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
