package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"report-pipeline/internal/models"
)

// Error codes recorded on failed jobs.
const (
	CodeInvalidMeta    = "invalid_meta"
	CodeComputeFailed  = "compute_failed"
	CodeArtifactFailed = "artifact_failed"
	CodeStoreFailed    = "store_failed"
	CodePanic          = "panic"
	CodeInternal       = "internal"
)

// GeneratorError carries the error code persisted on the failed job.
type GeneratorError struct {
	Code string
	Err  error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// errorCode extracts the GeneratorError code, or CodeInternal.
func errorCode(err error) string {
	var gerr *GeneratorError
	if errors.As(err, &gerr) && gerr.Code != "" {
		return gerr.Code
	}
	return CodeInternal
}

// Generator produces the report for one claimed job.
type Generator interface {
	Generate(ctx context.Context, meta models.ReportMeta, jobID string) (models.Report, error)
}

// Computer produces report content. The aggregation itself lives outside
// this repository; the pipeline only stores what a Computer returns.
type Computer interface {
	Compute(ctx context.Context, meta models.ReportMeta) (json.RawMessage, error)
}

// ComputerFunc adapts a function to Computer.
type ComputerFunc func(ctx context.Context, meta models.ReportMeta) (json.RawMessage, error)

func (f ComputerFunc) Compute(ctx context.Context, meta models.ReportMeta) (json.RawMessage, error) {
	return f(ctx, meta)
}

// PeriodSummary is the default Computer: it records the period bounds and
// generation time so downstream consumers always get a well-formed summary.
var PeriodSummary = ComputerFunc(func(_ context.Context, meta models.ReportMeta) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"tenant_id":    meta.TenantID,
		"period":       meta.PeriodStart.Format("2006-01"),
		"period_start": meta.PeriodStart.Format(time.DateOnly),
		"period_end":   meta.PeriodEnd.Format(time.DateOnly),
		"days":         meta.PeriodEnd.Day(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
})

// ReportStore is the report table as seen by the generator.
type ReportStore interface {
	UpsertReport(ctx context.Context, p models.UpsertReportParams) (models.Report, error)
}

// ReportGenerator upserts the report row through processing to ready.
// Every write is an upsert on the period key, so concurrent or repeated
// runs converge on one row with the last writer's content.
type ReportGenerator struct {
	store    ReportStore
	computer Computer
	sink     ArtifactSink
}

// NewReportGenerator builds a generator; computer defaults to PeriodSummary
// and a nil sink skips artifact upload.
func NewReportGenerator(st ReportStore, computer Computer, sink ArtifactSink) *ReportGenerator {
	if computer == nil {
		computer = PeriodSummary
	}
	return &ReportGenerator{store: st, computer: computer, sink: sink}
}

func (g *ReportGenerator) Generate(ctx context.Context, meta models.ReportMeta, jobID string) (models.Report, error) {
	base := models.UpsertReportParams{
		TenantID:    meta.TenantID,
		PeriodStart: meta.PeriodStart,
		PeriodEnd:   meta.PeriodEnd,
		JobID:       jobID,
	}

	// job_id is left out so the previous run's job stays attached until this one is ready.
	processing := base
	processing.JobID = ""
	processing.Status = models.ReportProcessing
	report, err := g.store.UpsertReport(ctx, processing)
	if err != nil {
		return models.Report{}, &GeneratorError{Code: CodeStoreFailed, Err: err}
	}

	summary, err := g.computer.Compute(ctx, meta)
	if err != nil {
		return models.Report{}, g.abandon(ctx, base, report, &GeneratorError{Code: CodeComputeFailed, Err: err})
	}

	ready := base
	ready.Status = models.ReportReady
	ready.Summary = summary
	if g.sink != nil {
		url, err := g.upload(ctx, report, meta, jobID, summary)
		if err != nil {
			return models.Report{}, g.abandon(ctx, base, report, &GeneratorError{Code: CodeArtifactFailed, Err: err})
		}
		ready.ArtifactURL = url
	}

	done, err := g.store.UpsertReport(ctx, ready)
	if err != nil {
		return models.Report{}, g.abandon(ctx, base, report, &GeneratorError{Code: CodeStoreFailed, Err: err})
	}
	return done, nil
}

// abandon moves a report out of processing after a failed run. A report that
// was ready before (it carries a summary) goes back to ready with its previous
// content; a report that never completed becomes failed.
func (g *ReportGenerator) abandon(ctx context.Context, base models.UpsertReportParams, prior models.Report, cause *GeneratorError) error {
	back := models.UpsertReportParams{
		TenantID:    base.TenantID,
		PeriodStart: base.PeriodStart,
		PeriodEnd:   base.PeriodEnd,
		Status:      models.ReportReady,
	}
	if len(prior.Summary) == 0 {
		back.Status = models.ReportFailed
		back.JobID = base.JobID
	}
	if _, err := g.store.UpsertReport(context.WithoutCancel(ctx), back); err != nil {
		return &GeneratorError{Code: cause.Code, Err: errors.Join(cause.Err, fmt.Errorf("reset report status: %w", err))}
	}
	return cause
}

func (g *ReportGenerator) upload(ctx context.Context, report models.Report, meta models.ReportMeta, jobID string, summary json.RawMessage) (string, error) {
	body, err := json.MarshalIndent(struct {
		ReportID    string          `json:"report_id"`
		TenantID    string          `json:"tenant_id"`
		PeriodStart string          `json:"period_start"`
		PeriodEnd   string          `json:"period_end"`
		JobID       string          `json:"job_id"`
		Summary     json.RawMessage `json:"summary"`
	}{
		ReportID:    report.ID,
		TenantID:    meta.TenantID,
		PeriodStart: meta.PeriodStart.Format(time.DateOnly),
		PeriodEnd:   meta.PeriodEnd.Format(time.DateOnly),
		JobID:       jobID,
		Summary:     summary,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	return g.sink.Upload(ctx, artifactKey(meta.TenantID, meta.PeriodStart.Format("2006-01")), body, "application/json")
}
