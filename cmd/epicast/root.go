package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/config"
	"github.com/epicast/epicast-go/pkg/forecast"
	"github.com/epicast/epicast-go/pkg/orchestrator"
	"github.com/epicast/epicast-go/pkg/queue"
	"github.com/epicast/epicast-go/pkg/registry"
	"github.com/epicast/epicast-go/pkg/series"
	"github.com/epicast/epicast-go/utils"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "epicast",
	Short: "Disease case-count forecasting from clinical and pharmacy data",
	Long: "Epicast trains per-disease regression models on historical case counts\n" +
		"and related product sales, then produces recursive multi-day forecasts.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(forecastCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stores bundles every opened backend for one command invocation.
type stores struct {
	cfg       *config.Config
	series    *series.SQLiteStore
	jobs      *orchestrator.JobStore
	registry  *registry.Registry
	forecasts *forecast.SQLiteStore
	queue     queue.TaskQueue
	logger    *utils.Logger
}

// openStores loads configuration and opens every backend a pipeline command
// needs. Callers must Close.
func openStores() (*stores, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath); err != nil {
		return nil, err
	}
	logger := utils.GetLogger()

	for _, path := range []string{cfg.Storage.SeriesDB, cfg.Storage.JobsDB, cfg.Storage.RegistryDB, cfg.Storage.ForecastsDB} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	s := &stores{cfg: cfg, logger: logger}
	if s.series, err = series.NewSQLiteStore(cfg.Storage.SeriesDB); err != nil {
		return nil, err
	}
	if s.jobs, err = orchestrator.NewJobStore(cfg.Storage.JobsDB); err != nil {
		s.Close()
		return nil, err
	}
	if s.registry, err = registry.Open(cfg.Storage.RegistryDB, cfg.Storage.ModelDir); err != nil {
		s.Close()
		return nil, err
	}
	if s.forecasts, err = forecast.NewSQLiteStore(cfg.Storage.ForecastsDB); err != nil {
		s.Close()
		return nil, err
	}

	switch cfg.Queue.Backend {
	case "redis":
		if s.queue, err = queue.NewRedisQueue(cfg.Queue.RedisAddr); err != nil {
			s.Close()
			return nil, err
		}
	default:
		s.queue = queue.NewMemoryQueue()
	}
	return s, nil
}

// worker builds a Worker over this invocation's stores.
func (s *stores) worker() *orchestrator.Worker {
	return &orchestrator.Worker{
		Queue:     s.queue,
		Jobs:      s.jobs,
		Series:    s.series,
		Registry:  s.registry,
		Forecasts: s.forecasts,
		Profiles:  s.cfg.Profiles(),
		Logger:    s.logger,
	}
}

// Close closes every opened backend.
func (s *stores) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.forecasts != nil {
		s.forecasts.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.jobs != nil {
		s.jobs.Close()
	}
	if s.series != nil {
		s.series.Close()
	}
}
