// Package scheduler runs the periodic dispatch and the monthly enqueue of
// every known tenant on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"report-pipeline/internal/enqueue"
	"report-pipeline/internal/models"
	"report-pipeline/internal/worker"
)

// Dispatcher is the worker entry point driven by the dispatch schedule.
type Dispatcher interface {
	Dispatch(ctx context.Context, limit int) ([]worker.Result, error)
	Sweep(ctx context.Context) (int, error)
}

// Enqueuer creates report jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req enqueue.Request) (enqueue.Result, error)
}

// TenantLister returns tenants that already have reports.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a five-field cron expression or @descriptor.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Scheduler owns a cron runner with at most one dispatch entry and one
// monthly entry.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	enqueuer   Enqueuer
	tenants    TenantLister
	static     []string
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a scheduler. staticTenants are always included in the monthly
// run in addition to tenants found in the report table.
func New(d Dispatcher, e Enqueuer, tenants TenantLister, staticTenants []string, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: d,
		enqueuer:   e,
		tenants:    tenants,
		static:     staticTenants,
		logger:     logger,
		now:        time.Now,
	}
}

// Register adds the dispatch and monthly entries; an empty spec skips that entry.
func (s *Scheduler) Register(ctx context.Context, dispatchSpec, monthlySpec string) error {
	var errs []error
	if dispatchSpec != "" {
		if _, err := s.cron.AddFunc(dispatchSpec, func() { s.runDispatch(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("dispatch schedule %q: %w", dispatchSpec, err))
		}
	}
	if monthlySpec != "" {
		if _, err := s.cron.AddFunc(monthlySpec, func() { s.runMonthly(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("monthly schedule %q: %w", monthlySpec, err))
		}
	}
	return errors.Join(errs...)
}

// Entries is the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Run starts the cron runner and blocks until ctx is cancelled, then waits
// for running entries to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info().Int("entries", s.Entries()).Msg("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	if _, err := s.dispatcher.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled stale sweep failed")
	}
	results, err := s.dispatcher.Dispatch(ctx, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled dispatch failed")
		return
	}
	s.logger.Debug().Int("processed", len(results)).Msg("scheduled dispatch done")
}

func (s *Scheduler) runMonthly(ctx context.Context) {
	created, reused, err := s.EnqueueMonthly(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Int("created", created).Int("reused", reused).Msg("monthly enqueue incomplete")
		return
	}
	s.logger.Info().Int("created", created).Int("reused", reused).Msg("monthly enqueue done")
}

// EnqueueMonthly enqueues the month before now for every known tenant. The
// run continues past per-tenant failures and joins them into one error.
func (s *Scheduler) EnqueueMonthly(ctx context.Context, now time.Time) (created, reused int, err error) {
	tenants, err := s.knownTenants(ctx)
	if err != nil {
		return 0, 0, err
	}
	period := models.MonthStart(now).AddDate(0, -1, 0)

	var errs []error
	for _, tenant := range tenants {
		res, err := s.enqueuer.Enqueue(ctx, enqueue.Request{TenantID: tenant, PeriodStart: &period})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		if res.Reused {
			reused++
		} else {
			created++
		}
	}
	return created, reused, errors.Join(errs...)
}

func (s *Scheduler) knownTenants(ctx context.Context) ([]string, error) {
	out := slices.Clone(s.static)
	if s.tenants != nil {
		found, err := s.tenants.ListTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		out = append(out, found...)
	}
	out = slices.DeleteFunc(out, func(t string) bool { return t == "" })
	slices.Sort(out)
	return slices.Compact(out), nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
