package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type PeriodRoller interface {
	RollUsagePeriod(ctx context.Context) (int, error)
}

// Rollover closes the monthly usage period on a cron schedule.
type Rollover struct {
	store    PeriodRoller
	schedule cron.Schedule
	spec     string
	logger   zerolog.Logger
}

func NewRollover(store PeriodRoller, spec string, logger zerolog.Logger) (*Rollover, error) {
	if spec == "" {
		spec = "0 0 1 * *"
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse rollover schedule %q: %w", spec, err)
	}
	return &Rollover{
		store:    store,
		schedule: sched,
		spec:     spec,
		logger:   logger.With().Str("component", "rollover").Logger(),
	}, nil
}

// Start blocks until ctx is done.
func (r *Rollover) Start(ctx context.Context) {
	c := cron.New()
	c.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce(ctx) }))
	c.Start()
	r.logger.Info().Str("schedule", r.spec).Msg("usage rollover scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
}

func (r *Rollover) RunOnce(ctx context.Context) {
	n, err := r.store.RollUsagePeriod(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("usage rollover failed")
		return
	}
	r.logger.Info().Int("users", n).Msg("usage period rolled over")
}
