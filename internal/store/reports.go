package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"report-pipeline/internal/models"
)

const reportColumns = `id, tenant_id, period_start, period_end, status, summary, artifact_url, job_id, created_at, updated_at`

func scanReport(row rowScanner) (models.Report, error) {
	var r models.Report
	var summary []byte
	var artifact, jobID pgtype.Text
	var periodStart, periodEnd pgtype.Date

	if err := row.Scan(&r.ID, &r.TenantID, &periodStart, &periodEnd, &r.Status, &summary, &artifact, &jobID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Report{}, err
	}
	r.PeriodStart = periodStart.Time.UTC()
	r.PeriodEnd = periodEnd.Time.UTC()
	if len(summary) > 0 {
		r.Summary = json.RawMessage(summary)
	}
	r.ArtifactURL = textPtr(artifact)
	r.JobID = textPtr(jobID)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// UpsertReport inserts or updates the report for (tenant, period_start, period_end).
// Concurrent writers for the same period converge on one row; the last write wins.
func (s *Store) UpsertReport(ctx context.Context, p models.UpsertReportParams) (models.Report, error) {
	var summary []byte
	if len(p.Summary) > 0 {
		summary = p.Summary
	}
	var jobID *string
	if p.JobID != "" {
		jobID = &p.JobID
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO reports (id, tenant_id, period_start, period_end, status, summary, artifact_url, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (tenant_id, period_start, period_end) DO UPDATE
		SET status = EXCLUDED.status,
		    summary = COALESCE(EXCLUDED.summary, reports.summary),
		    artifact_url = COALESCE(EXCLUDED.artifact_url, reports.artifact_url),
		    job_id = COALESCE(EXCLUDED.job_id, reports.job_id),
		    updated_at = NOW()
		RETURNING `+reportColumns,
		uuid.New().String(), p.TenantID, dateOnly(p.PeriodStart), dateOnly(p.PeriodEnd), p.Status,
		summary, emptyToNil(p.ArtifactURL), jobID)

	r, err := scanReport(row)
	if err != nil {
		return models.Report{}, fmt.Errorf("upsert report %s/%s: %w", p.TenantID, p.PeriodStart.Format("2006-01"), mapPostgresError(err))
	}
	return r, nil
}

// GetReport fetches the monthly report for a tenant.
func (s *Store) GetReport(ctx context.Context, tenantID string, periodStart time.Time) (models.Report, error) {
	start := models.MonthStart(periodStart)
	row := s.pool.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE tenant_id = $1 AND period_start = $2 AND period_end = $3
	`, tenantID, dateOnly(start), dateOnly(models.MonthEnd(start)))
	r, err := scanReport(row)
	if err != nil {
		return models.Report{}, fmt.Errorf("get report %s/%s: %w", tenantID, start.Format("2006-01"), mapPostgresError(err))
	}
	return r, nil
}

// ListTenants returns every tenant that has ever had a report generated.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM reports ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, tenant)
	}
	return out, mapPostgresError(rows.Err())
}

func dateOnly(t time.Time) pgtype.Date {
	u := t.UTC()
	return pgtype.Date{Time: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), Valid: true}
}
