package models

import (
	"encoding/json"
	"time"
)

// Report status values; independent from the job status enum. A report is
// failed only when its first generation failed; a failed regeneration keeps
// the previous ready content.
const (
	ReportProcessing = "processing"
	ReportReady      = "ready"
	ReportFailed     = "failed"
)

// Report is the artifact produced by a monthly report job.
type Report struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	ArtifactURL *string         `json:"artifact_url,omitempty"`
	JobID       *string         `json:"job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UpsertReportParams carries the fields written by a report upsert.
type UpsertReportParams struct {
	TenantID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      string
	Summary     json.RawMessage
	ArtifactURL string
	JobID       string
}
