package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

// Runner is the unit of work the Scheduler triggers.
type Runner interface {
	Run(ctx context.Context, start model.Date) Report
}

// Scheduler triggers runs on a cron schedule. A trigger that fires while a
// run is still in progress is dropped.
type Scheduler struct {
	spec      string
	loc       *time.Location
	runner    Runner
	immediate bool
}

// NewScheduler validates spec (standard five-field cron) and returns a
// Scheduler evaluating it in loc. When immediate is set, Run starts one sync
// right away instead of waiting for the first trigger.
func NewScheduler(spec string, loc *time.Location, runner Runner, immediate bool) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("engine: schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{spec: spec, loc: loc, runner: runner, immediate: immediate}, nil
}

// Run blocks until ctx is cancelled, then waits for an in-flight run to
// return before returning itself.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := appLog.CronLogger{}
	c := cron.New(cron.WithLocation(s.loc), cron.WithLogger(logger))

	// One chain shared by cron and the immediate run so they exclude each other.
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.runner.Run(ctx, model.Date{})
	}))
	id, err := c.AddJob(s.spec, job)
	if err != nil {
		return fmt.Errorf("engine: schedule %q: %w", s.spec, err)
	}

	c.Start()
	appLog.Info("scheduler started", "schedule", s.spec, "timezone", s.loc.String(), "next", c.Entry(id).Next.Format(time.RFC3339))

	var immediate sync.WaitGroup
	if s.immediate {
		immediate.Add(1)
		go func() {
			defer immediate.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	appLog.Info("scheduler stopping; waiting for in-flight run")
	<-c.Stop().Done()
	immediate.Wait()
	return nil
}
