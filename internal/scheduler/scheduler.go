// Package scheduler runs ApptPipe's periodic maintenance jobs on cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Expressions use the standard five fields
// or a descriptor such as "@hourly" or "@every 10m".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr, name string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task()
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
