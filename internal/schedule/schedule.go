// Package schedule runs a job on a cron expression until its context ends.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Standard five-field expressions plus descriptors such as @daily and @every 6h.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Job func(ctx context.Context) error

// Parse validates expr.
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Next returns the first activation of expr after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

// Run calls job on every activation of expr until ctx is done, then waits for
// a running job to return. A job still running at its next activation is
// skipped rather than overlapped.
func Run(ctx context.Context, name, expr string, job Job) error {
	s, err := Parse(expr)
	if err != nil {
		return err
	}
	return RunSchedule(ctx, name, s, job)
}

func RunSchedule(ctx context.Context, name string, s cron.Schedule, job Job) error {
	logger := cronLogger{log.With().Str("job", name).Logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(s, cron.FuncJob(func() {
		id := uuid.NewString()
		start := time.Now()
		l := logger.l.With().Str("run_id", id).Logger()
		l.Info().Msg("scheduled run")
		if err := job(ctx); err != nil {
			l.Error().Err(err).Dur("duration", time.Since(start)).Msg("scheduled run failed")
			return
		}
		l.Info().Dur("duration", time.Since(start)).Msg("scheduled run finished")
	}))
	c.Start()
	logger.l.Info().Time("next", s.Next(time.Now())).Msg("scheduler started")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
