// Package scheduler submits periodic retraining jobs. Each disease profile
// carries a cron expression; on every tick the scheduler submits a fresh
// train-and-forecast job covering the profile's training window up to
// yesterday plus its forecast horizon.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/orchestrator"
	"github.com/epicast/epicast-go/pkg/queue"
	"github.com/epicast/epicast-go/utils"
)

// defaultTrainWindowDays is the training lookback used when a profile does
// not set one.
const defaultTrainWindowDays = 365

// Service schedules recurring retraining per disease profile.
type Service struct {
	jobs    *orchestrator.JobStore
	queue   queue.TaskQueue
	logger  *utils.Logger
	cron    *cron.Cron
	entries map[string]cron.EntryID

	// Now is the clock used to derive job windows; tests override it.
	Now func() time.Time
}

// NewService creates a scheduler over the given job store and queue.
func NewService(jobs *orchestrator.JobStore, q queue.TaskQueue, logger *utils.Logger) *Service {
	return &Service{
		jobs:    jobs,
		queue:   q,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		Now:     time.Now,
	}
}

// Register schedules retraining for a profile. Profiles without a
// RetrainSchedule are skipped.
func (s *Service) Register(profile models.DiseaseProfile) error {
	if profile.RetrainSchedule == "" {
		return nil
	}

	schedule, err := cron.ParseStandard(profile.RetrainSchedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", profile.Name, err)
	}

	p := profile
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.submitRetrain(p)
	}))
	s.entries[profile.Name] = entryID

	s.logger.Info("retraining scheduled",
		utils.Component("scheduler"),
		utils.String("disease", profile.Name),
		utils.String("schedule", profile.RetrainSchedule))
	return nil
}

// Start begins firing registered schedules.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", utils.Component("scheduler"))
}

// Stop stops the scheduler and waits for any in-flight submission.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped", utils.Component("scheduler"))
}

// submitRetrain submits one train-and-forecast job for a profile, training
// on the trailing window through yesterday and forecasting the profile's
// horizon from today.
func (s *Service) submitRetrain(profile models.DiseaseProfile) {
	today := models.Day(s.Now().UTC())
	yesterday := today.AddDate(0, 0, -1)

	windowDays := defaultTrainWindowDays
	horizon := profile.ForecastHorizonDays
	job := &models.TrainingJob{
		Disease:    profile.Name,
		TrainStart: yesterday.AddDate(0, 0, -windowDays),
		TrainEnd:   yesterday,
	}
	if horizon > 0 {
		job.ForecastStart = today
		job.ForecastEnd = today.AddDate(0, 0, horizon-1)
	}

	id, err := orchestrator.Submit(context.Background(), s.jobs, s.queue, job)
	if err != nil {
		s.logger.Error("failed to submit scheduled retraining", err,
			utils.Component("scheduler"),
			utils.String("disease", profile.Name))
		return
	}
	s.logger.Info("retraining submitted",
		utils.Component("scheduler"),
		utils.String("disease", profile.Name),
		utils.String("job_id", id))
}
