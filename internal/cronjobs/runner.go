// Package cronjobs schedules housekeeping jobs for the ledger server.
package cronjobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/ledger"
)

// Job is one scheduled run. Errors are logged, never fatal.
type Job func(ctx context.Context) error

// Runner wraps a cron scheduler whose jobs share a base context.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context
}

// New creates a runner. Specs accept an optional seconds field.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger:  log.With().Str("component", "cron").Logger(),
		baseCtx: baseCtx,
	}
}

// Add schedules job under name.
func (r *Runner) Add(spec, name string, job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.logger.Error().Err(err).Str("job", name).Msg("cron job failed")
			return
		}
		r.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("cron job done")
	})
}

func (r *Runner) Start() {
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("cron started")
	r.cron.Start()
}

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("cron stopped")
}

// MaturityWatch reports strategies past maturity that still have no payout
// ratio, so operators know settlement is due.
func MaturityWatch(l *ledger.Service) Job {
	logger := log.With().Str("component", "cron").Str("job", "maturity_watch").Logger()
	return func(ctx context.Context) error {
		due, err := l.MaturedUnsettled(ctx)
		if err != nil {
			return err
		}
		for _, st := range due {
			logger.Warn().
				Int64("strategy_id", st.ID).
				Str("name", st.Name).
				Time("matured_at", st.MaturityTimestamp).
				Msg("strategy matured and awaits settlement")
		}
		if len(due) > 0 {
			logger.Info().Int("count", len(due)).Msg("strategies awaiting settlement")
		}
		return nil
	}
}
