// Package enqueue turns (tenant, period) requests into idempotent report jobs.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

var (
	// ErrInvalidArgument marks a malformed request; not retryable.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotRetryable is returned by Retry for jobs that are not failed.
	ErrNotRetryable = errors.New("job is not in a retryable state")
)

// JobStore is the subset of the job store the enqueuer needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	ResetFailed(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Publisher receives job state changes; delivery is best effort.
type Publisher interface {
	PublishJob(ctx context.Context, job models.Job)
}

// Request asks for a tenant's monthly report to be (re)generated.
type Request struct {
	TenantID    string
	PeriodStart *time.Time
}

// Result is the job that now represents the request.
type Result struct {
	Job    models.Job
	Reused bool
}

// Enqueuer creates report jobs. It holds no state between calls.
type Enqueuer struct {
	store     JobStore
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds an Enqueuer. publisher may be nil.
func New(st JobStore, publisher Publisher, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		store:     st,
		publisher: publisher,
		logger:    logger.With().Str("component", "enqueuer").Logger(),
		now:       time.Now,
	}
}

// WithClock overrides the clock used to default the period.
func (e *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	e.now = now
	return e
}

// Enqueue returns the job for the request's idempotency key, creating a
// pending one when none exists. A job found in any status is returned with
// Reused set, so repeated calls never create duplicate work.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (Result, error) {
	if err := models.ValidateTenantID(req.TenantID); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	period := e.now()
	if req.PeriodStart != nil {
		if req.PeriodStart.IsZero() {
			return Result{}, fmt.Errorf("%w: period_start is zero", ErrInvalidArgument)
		}
		period = *req.PeriodStart
	}
	meta := models.NewReportMeta(req.TenantID, period)
	raw, err := meta.Encode()
	if err != nil {
		return Result{}, err
	}
	key := models.IdempotencyKey(req.TenantID, meta.PeriodStart)

	job, reused, err := e.store.CreateJob(ctx, store.CreateJobParams{
		JobName:        models.JobNameMonthlyReport,
		IdempotencyKey: key,
		Meta:           raw,
		ScheduledAt:    e.now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	event := "enqueued"
	if reused {
		event = "enqueue_reused"
		telemetry.EnqueueReused.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
		if e.publisher != nil {
			e.publisher.PublishJob(ctx, job)
		}
	}
	e.audit(ctx, job.ID, event, fmt.Sprintf("tenant=%s key=%s status=%s", req.TenantID, key, job.Status))

	e.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", req.TenantID).
		Str("idempotency_key", key).
		Bool("reused", reused).
		Msg("report job enqueued")

	return Result{Job: job, Reused: reused}, nil
}

// Retry is the explicit re-enqueue path: a failed job is reset to pending in
// place, keeping its id and idempotency key. Nothing retries automatically.
func (e *Enqueuer) Retry(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, fmt.Errorf("%w: job id is required", ErrInvalidArgument)
	}
	job, err := e.store.ResetFailed(ctx, jobID)
	if errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("%w: %w", ErrNotRetryable, err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("retry %s: %w", jobID, err)
	}
	telemetry.RetryCounter.Inc()
	if e.publisher != nil {
		e.publisher.PublishJob(ctx, job)
	}
	e.audit(ctx, job.ID, "retry", "reset from failed to pending")
	e.logger.Info().Str("job_id", job.ID).Msg("failed job reset for retry")
	return job, nil
}

func (e *Enqueuer) audit(ctx context.Context, jobID, event, detail string) {
	if err := e.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("audit write failed")
	}
}
