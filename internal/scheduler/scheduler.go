// Package scheduler runs the periodic maintenance jobs: reconciling runs the
// queue lost track of and purging expired local run data.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/groupstream/internal/metrics"
)

// Job is a named maintenance task fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires jobs on their schedules. A job still running when its next
// tick arrives is skipped for that tick.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like "@every 15s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start registers every job that has a schedule and starts the cron ticker.
// An invalid schedule is an error; nothing is started in that case.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		job := job
		_, err := c.AddFunc(job.Schedule, func() { s.fire(job) })
		if err != nil {
			s.cancel()
			return fmt.Errorf("schedule job %s (%q): %w", job.Name, job.Schedule, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron = c
	c.Start()
	return nil
}

func (s *Scheduler) fire(job Job) {
	start := time.Now()
	err := job.Run(s.ctx)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		slog.Error("scheduled job failed", "name", job.Name, "error", err)
		return
	}
	slog.Debug("scheduled job finished", "name", job.Name, "duration", time.Since(start))
}

// Stop stops the cron ticker, cancels running jobs and waits for them to
// return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
