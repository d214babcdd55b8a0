package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Resetter is anything whose budgets can be renewed; *Registry implements it.
type Resetter interface {
	ResetAll(ctx context.Context) error
}

// Renewer resets budgets on a cron schedule.
type Renewer struct {
	cron     *cron.Cron
	target   Resetter
	schedule string
	logger   *slog.Logger
}

// NewRenewer validates the schedule (standard 5-field cron or descriptors
// such as "@daily") and registers the reset job. Call Start to run it.
func NewRenewer(schedule string, target Resetter, logger *slog.Logger) (*Renewer, error) {
	r := &Renewer{
		cron:     cron.New(),
		target:   target,
		schedule: schedule,
		logger:   logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.renew); err != nil {
		return nil, fmt.Errorf("invalid budget reset schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start starts the cron scheduler in its own goroutine.
func (r *Renewer) Start() {
	r.cron.Start()
	r.logger.Info("budget renewer started", "schedule", r.schedule)
}

// Stop stops the scheduler and waits for a running reset to finish.
func (r *Renewer) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("budget renewer stopped")
}

func (r *Renewer) renew() {
	if err := r.target.ResetAll(context.Background()); err != nil {
		r.logger.Warn("budget reset failed", "error", err)
		return
	}
	r.logger.Info("privacy budgets reset")
}
