// Package scheduler runs the server's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/mattrax/forge/pkg/forge/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single job run.
const DefaultTimeout = 5 * time.Minute

// Job is a named function run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler wraps a gocron scheduler and records the outcome of every run.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
	metrics   metrics.Recorder
	timeout   time.Duration
}

// New creates a scheduler. Jobs do not run until Start is called.
func New(logger *zap.Logger, rec metrics.Recorder) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Scheduler{scheduler: s, logger: logger, metrics: rec, timeout: DefaultTimeout}, nil
}

// Add schedules a job. A run that is still going when the next one is due
// causes that next run to be skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(s.run, job),
		gocron.WithName(job.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
	}
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", zap.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping scheduler")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	s.metrics.IncJobRun(job.Name, err == nil)
	if err != nil {
		s.logger.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("scheduled job finished",
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)))
}
