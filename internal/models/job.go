package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobNameMonthlyReport is the only job type handled by the pipeline.
const JobNameMonthlyReport = "monthly_report"

// Job represents one unit of scheduled work persisted in Postgres.
type Job struct {
	ID             string          `json:"id"`
	JobName        string          `json:"job_name"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Meta           json.RawMessage `json:"meta"`
	Attempts       int             `json:"attempts"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal reports whether no further transition can happen.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// ValidateTenantID rejects tenant ids that would make topic names or
// idempotency keys ambiguous: ':' is their separator.
func ValidateTenantID(id string) error {
	if id == "" {
		return errors.New("tenant id is required")
	}
	if strings.ContainsAny(id, ": \t\r\n") {
		return fmt.Errorf("tenant id %q must not contain ':' or whitespace", id)
	}
	return nil
}

// ReportMeta is the payload carried by a monthly report job.
type ReportMeta struct {
	TenantID    string    `json:"tenant_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// NewReportMeta builds the meta for the month containing periodStart.
func NewReportMeta(tenantID string, periodStart time.Time) ReportMeta {
	start := MonthStart(periodStart)
	return ReportMeta{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   MonthEnd(start),
	}
}

// Encode marshals the meta for the jobs.meta column.
func (m ReportMeta) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal report meta: %w", err)
	}
	return raw, nil
}

// DecodeReportMeta reads the tenant and period bounds from a job.
func DecodeReportMeta(job Job) (ReportMeta, error) {
	var meta ReportMeta
	if len(job.Meta) == 0 {
		return meta, fmt.Errorf("job %s has no meta", job.ID)
	}
	if err := json.Unmarshal(job.Meta, &meta); err != nil {
		return meta, fmt.Errorf("decode report meta: %w", err)
	}
	if meta.TenantID == "" {
		return meta, fmt.Errorf("job %s meta has no tenant_id", job.ID)
	}
	return meta, nil
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
