// Package memory provides an in-process implementation of the job and report
// stores with the same transition rules as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
)

type reportKey struct {
	tenant string
	start  string
	end    string
}

// Store keeps jobs, reports and audit rows in maps guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int64
	jobs    map[string]*models.Job
	byKey   map[string]string
	order   map[string]int64
	reports map[reportKey]*models.Report
	audit   []models.AuditLog
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(map[string]*models.Job),
		byKey:   make(map[string]string),
		order:   make(map[string]int64),
		reports: make(map[reportKey]*models.Report),
	}
}

// SetClock overrides the time source, for tests that age jobs.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey == "" {
		return models.Job{}, false, fmt.Errorf("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[p.IdempotencyKey]; ok {
		return cloneJob(s.jobs[id]), true, nil
	}

	now := s.now()
	scheduled := p.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	name := p.JobName
	if name == "" {
		name = models.JobNameMonthlyReport
	}
	meta := p.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	job := &models.Job{
		ID:             uuid.New().String(),
		JobName:        name,
		IdempotencyKey: p.IdempotencyKey,
		Status:         models.StatusPending,
		Meta:           slices.Clone(meta),
		ScheduledAt:    &scheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.seq++
	s.jobs[job.ID] = job
	s.byKey[job.IdempotencyKey] = job.ID
	s.order[job.ID] = s.seq
	return cloneJob(job), false, nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(s.jobs[id]), true, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %q: %w", id, store.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ClaimPending holds the store lock for the whole select-and-update, which gives
// the same disjointness guarantee as SKIP LOCKED.
func (s *Store) ClaimPending(_ context.Context, jobName string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.Job
	for _, job := range s.jobs {
		if job.JobName == jobName && job.Status == models.StatusPending {
			pending = append(pending, job)
		}
	}
	// Insertion order stands in for created_at.
	slices.SortFunc(pending, func(a, b *models.Job) int {
		return int(s.order[a.ID] - s.order[b.ID])
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := s.now()
	out := make([]models.Job, 0, len(pending))
	for _, job := range pending {
		started := now
		job.Status = models.StatusRunning
		job.StartedAt = &started
		job.FinishedAt = nil
		job.ErrorCode = nil
		job.ErrorMessage = nil
		job.Attempts++
		job.UpdatedAt = now
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (s *Store) MarkSucceeded(_ context.Context, id string, attempt int) (models.Job, error) {
	return s.finish(id, attempt, models.StatusSucceeded, "", "")
}

func (s *Store) MarkFailed(_ context.Context, id string, attempt int, code, message string) (models.Job, error) {
	return s.finish(id, attempt, models.StatusFailed, code, message)
}

func (s *Store) finish(id string, attempt int, status, code, message string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusRunning || job.Attempts != attempt {
		return models.Job{}, fmt.Errorf("finish job %s (attempt %d) as %s: claim not held: %w", id, attempt, status, store.ErrConflict)
	}
	now := s.now()
	job.Status = status
	job.FinishedAt = &now
	job.ErrorCode = nilIfEmpty(code)
	job.ErrorMessage = nilIfEmpty(message)
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *Store) ResetFailed(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %q: %w", id, store.ErrNotFound)
	}
	if job.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("reset job %s: not failed: %w", id, store.ErrConflict)
	}
	now := s.now()
	job.Status = models.StatusPending
	job.ScheduledAt = &now
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *Store) RequeueStale(_ context.Context, olderThan time.Duration, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var stale []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	slices.SortFunc(stale, func(a, b *models.Job) int {
		if c := a.StartedAt.Compare(*b.StartedAt); c != 0 {
			return c
		}
		return int(s.order[a.ID] - s.order[b.ID])
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]models.Job, 0, len(stale))
	for _, job := range stale {
		job.Status = models.StatusPending
		job.StartedAt = nil
		job.UpdatedAt = s.now()
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: s.now()})
	return nil
}

// Audit returns a copy of the recorded audit rows.
func (s *Store) Audit() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

func (s *Store) UpsertReport(_ context.Context, p models.UpsertReportParams) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reportKey{tenant: p.TenantID, start: p.PeriodStart.UTC().Format(time.DateOnly), end: p.PeriodEnd.UTC().Format(time.DateOnly)}
	now := s.now()
	r, ok := s.reports[key]
	if !ok {
		r = &models.Report{
			ID:          uuid.New().String(),
			TenantID:    p.TenantID,
			PeriodStart: models.MonthStart(p.PeriodStart),
			PeriodEnd:   p.PeriodEnd.UTC(),
			CreatedAt:   now,
		}
		s.reports[key] = r
	}
	r.Status = p.Status
	if len(p.Summary) > 0 {
		r.Summary = slices.Clone(p.Summary)
	}
	if p.ArtifactURL != "" {
		r.ArtifactURL = nilIfEmpty(p.ArtifactURL)
	}
	if p.JobID != "" {
		r.JobID = nilIfEmpty(p.JobID)
	}
	r.UpdatedAt = now
	return *r, nil
}

func (s *Store) GetReport(_ context.Context, tenantID string, periodStart time.Time) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := models.MonthStart(periodStart)
	key := reportKey{tenant: tenantID, start: start.Format(time.DateOnly), end: models.MonthEnd(start).Format(time.DateOnly)}
	r, ok := s.reports[key]
	if !ok {
		return models.Report{}, fmt.Errorf("report %s/%s: %w", tenantID, start.Format("2006-01"), store.ErrNotFound)
	}
	return *r, nil
}

// ReportCount returns the number of distinct report rows.
func (s *Store) ReportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *Store) ListTenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range s.reports {
		if _, ok := seen[k.tenant]; ok {
			continue
		}
		seen[k.tenant] = struct{}{}
		out = append(out, k.tenant)
	}
	slices.SortFunc(out, strings.Compare)
	return out, nil
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Meta = slices.Clone(j.Meta)
	return out
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
