package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

// ErrLostClaim is returned when a terminal write no longer holds the claim:
// the job left running, or the stale sweep handed it to another worker.
var ErrLostClaim = errors.New("job claim lost")

// Publisher receives job and report state changes; delivery is best effort.
type Publisher interface {
	PublishJob(ctx context.Context, job models.Job)
	PublishReport(ctx context.Context, r models.Report)
}

// JobFinisher is the part of the job store that writes terminal states.
type JobFinisher interface {
	MarkSucceeded(ctx context.Context, id string, attempt int) (models.Job, error)
	MarkFailed(ctx context.Context, id string, attempt int, code, message string) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Finalizer writes the terminal job state, then notifies subscribers.
type Finalizer struct {
	store     JobFinisher
	publisher Publisher
	logger    zerolog.Logger
}

func NewFinalizer(st JobFinisher, publisher Publisher, logger zerolog.Logger) *Finalizer {
	return &Finalizer{store: st, publisher: publisher, logger: logger}
}

// Succeed marks the job succeeded and publishes the job and report events.
func (f *Finalizer) Succeed(ctx context.Context, job models.Job, report models.Report) (models.Job, error) {
	// Terminal writes must land even when the dispatch context is being cancelled.
	wctx := context.WithoutCancel(ctx)
	done, err := f.store.MarkSucceeded(wctx, job.ID, job.Attempts)
	if err != nil {
		return models.Job{}, f.writeFailed(job, models.StatusSucceeded, err)
	}
	telemetry.JobsSucceeded.Inc()
	f.audit(wctx, done.ID, "succeeded", fmt.Sprintf("report=%s", report.ID))
	if f.publisher != nil {
		f.publisher.PublishJob(wctx, done)
		if report.ID != "" {
			f.publisher.PublishReport(wctx, report)
		}
	}
	f.logger.Info().
		Str("job_id", done.ID).
		Str("report_id", report.ID).
		Int("attempts", done.Attempts).
		Msg("job succeeded")
	return done, nil
}

// Fail marks the job failed with the cause's code and full message. The
// published event carries only a generic failure text.
func (f *Finalizer) Fail(ctx context.Context, job models.Job, cause error) (models.Job, error) {
	wctx := context.WithoutCancel(ctx)
	code := errorCode(cause)
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	done, err := f.store.MarkFailed(wctx, job.ID, job.Attempts, code, message)
	if err != nil {
		return models.Job{}, f.writeFailed(job, models.StatusFailed, err)
	}
	telemetry.JobsFailed.Inc()
	f.audit(wctx, done.ID, "failed", code+": "+message)
	if f.publisher != nil {
		f.publisher.PublishJob(wctx, done)
	}
	f.logger.Warn().
		Str("job_id", done.ID).
		Str("error_code", code).
		Str("error", message).
		Int("attempts", done.Attempts).
		Msg("job failed")
	return done, nil
}

func (f *Finalizer) writeFailed(job models.Job, status string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		f.logger.Warn().Str("job_id", job.ID).Str("status", status).Msg("job no longer running; claim lost")
		return fmt.Errorf("%w: %w", ErrLostClaim, err)
	}
	f.logger.Error().Err(err).Str("job_id", job.ID).Str("status", status).Msg("terminal write failed")
	return fmt.Errorf("finalize job %s: %w", job.ID, err)
}

func (f *Finalizer) audit(ctx context.Context, jobID, event, detail string) {
	if err := f.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		f.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("audit write failed")
	}
}
