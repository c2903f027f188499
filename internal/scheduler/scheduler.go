// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of periodic work.
type Job interface {
	Run(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:    c,
		logger:  logger.With("component", "scheduler"),
		timeout: 5 * time.Minute,
	}
}

// Add registers job under spec, e.g. "@every 1h" or "0 3 * * *".
func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		n, err := job.Run(ctx)
		if err != nil {
			s.logger.Error("job failed", "job", name, "error", err)
			return
		}
		s.logger.Info("job finished", "job", name, "affected", n)
	})
	if err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return err
	}

	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and returns a context that is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
