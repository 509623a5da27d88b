package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"report-pipeline/internal/config"
	"report-pipeline/internal/models"
	"report-pipeline/internal/telemetry"
)

// JobStore is the job table as seen by the dispatcher.
type JobStore interface {
	JobFinisher
	ClaimPending(ctx context.Context, jobName string, limit int) ([]models.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Options bound a dispatcher's batches and its poll loop.
type Options struct {
	BatchLimit    int
	MaxBatchLimit int
	PollInterval  time.Duration
	StaleTimeout  time.Duration
}

// OptionsFromConfig reads the dispatch settings from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BatchLimit:    cfg.DispatchBatchLimit,
		MaxBatchLimit: cfg.DispatchMaxBatchLimit,
		PollInterval:  cfg.WorkerPollInterval,
		StaleTimeout:  cfg.StaleJobTimeout,
	}
}

// Result is the outcome of one job in a dispatch batch.
type Result struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Dispatcher claims pending jobs and drives each through the generator and
// finalizer. Any number of dispatchers may run against the same store.
type Dispatcher struct {
	store     JobStore
	generator Generator
	finalizer *Finalizer
	publisher Publisher
	opts      Options
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher. publisher may be nil.
func NewDispatcher(st JobStore, gen Generator, publisher Publisher, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 10
	}
	if opts.MaxBatchLimit < opts.BatchLimit {
		opts.MaxBatchLimit = opts.BatchLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	logger = logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		store:     st,
		generator: gen,
		finalizer: NewFinalizer(st, publisher, logger),
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

func (d *Dispatcher) clamp(limit int) int {
	if limit <= 0 {
		return d.opts.BatchLimit
	}
	return min(limit, d.opts.MaxBatchLimit)
}

// Dispatch claims up to limit pending jobs and processes them in claim order.
// A failing or panicking job is recorded as failed and the batch continues.
// Only a failed claim is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) ([]Result, error) {
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	limit = d.clamp(limit)
	jobs, err := d.store.ClaimPending(ctx, models.JobNameMonthlyReport, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	telemetry.JobsClaimed.Add(float64(len(jobs)))

	results := make([]Result, 0, len(jobs))
	for i, job := range jobs {
		if ctx.Err() != nil {
			// Unprocessed claims stay running and return through the stale sweep.
			d.logger.Warn().Int("abandoned", len(jobs)-i).Msg("dispatch cancelled mid-batch")
			break
		}
		results = append(results, d.process(ctx, job))
	}
	if len(jobs) > 0 {
		d.logger.Info().Int("claimed", len(jobs)).Int("processed", len(results)).Dur("took", time.Since(start)).Msg("dispatch batch done")
	}
	return results, nil
}

func (d *Dispatcher) process(ctx context.Context, job models.Job) Result {
	if d.publisher != nil {
		d.publisher.PublishJob(ctx, job)
	}
	report, genErr := d.generate(ctx, job)
	if genErr != nil {
		if _, err := d.finalizer.Fail(ctx, job, genErr); err != nil {
			return Result{ID: job.ID, Error: err.Error()}
		}
		return Result{ID: job.ID, Error: genErr.Error()}
	}
	if _, err := d.finalizer.Succeed(ctx, job, report); err != nil {
		return Result{ID: job.ID, Error: err.Error()}
	}
	return Result{ID: job.ID, OK: true}
}

func (d *Dispatcher) generate(ctx context.Context, job models.Job) (report models.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("generator panicked")
			err = &GeneratorError{Code: CodePanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	meta, err := models.DecodeReportMeta(job)
	if err != nil {
		return models.Report{}, &GeneratorError{Code: CodeInvalidMeta, Err: err}
	}
	return d.generator.Generate(ctx, meta, job.ID)
}

// Sweep returns jobs stuck in running past the stale timeout to pending.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if d.opts.StaleTimeout <= 0 {
		return 0, nil
	}
	jobs, err := d.store.RequeueStale(ctx, d.opts.StaleTimeout, d.opts.MaxBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	telemetry.StaleRequeued.Add(float64(len(jobs)))
	for _, job := range jobs {
		if err := d.store.AppendAudit(ctx, job.ID, "requeued_stale", fmt.Sprintf("running longer than %s", d.opts.StaleTimeout)); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("audit write failed")
		}
		if d.publisher != nil {
			d.publisher.PublishJob(ctx, job)
		}
	}
	d.logger.Warn().Int("count", len(jobs)).Msg("stale jobs requeued")
	return len(jobs), nil
}

// RefreshGauges publishes current job counts per status.
func (d *Dispatcher) RefreshGauges(ctx context.Context) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("count jobs by status")
		return
	}
	for _, status := range []string{models.StatusPending, models.StatusRunning, models.StatusSucceeded, models.StatusFailed} {
		telemetry.JobsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Run polls until ctx is cancelled: each tick sweeps stale jobs, dispatches
// one batch and refreshes the status gauges.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if _, err := d.Sweep(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stale sweep failed")
	}
	if _, err := d.Dispatch(ctx, 0); err != nil && ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("dispatch failed")
	}
	d.RefreshGauges(ctx)
}

// Store is everything the default pipeline needs from persistence.
type Store interface {
	JobStore
	ReportStore
}

// NewFromConfig wires the default report generator, its artifact sink and a
// dispatcher using cfg's limits.
func NewFromConfig(ctx context.Context, cfg config.Config, st Store, publisher Publisher, logger zerolog.Logger) (*Dispatcher, error) {
	sink, err := NewArtifactSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact sink: %w", err)
	}
	gen := NewReportGenerator(st, nil, sink)
	return NewDispatcher(st, gen, publisher, OptionsFromConfig(cfg), logger), nil
}
