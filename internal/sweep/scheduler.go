package sweep

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the sweeps on cron schedules (six-field specs, seconds
// included). Job errors are logged; the next tick retries.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

func (s *Scheduler) Add(ctx context.Context, spec, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			slog.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
