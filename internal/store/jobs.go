package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"

	"report-pipeline/internal/models"
)

var jobColumnNames = []string{
	"id", "job_name", "idempotency_key", "status", "meta", "attempts",
	"scheduled_at", "started_at", "finished_at", "error_code", "error_message",
	"created_at", "updated_at",
}

func jobColumns(table string) string {
	if table == "" {
		return strings.Join(jobColumnNames, ", ")
	}
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		cols[i] = table + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var meta []byte
	var scheduled, started, finished pgtype.Timestamptz
	var errCode, errMsg pgtype.Text

	if err := row.Scan(&job.ID, &job.JobName, &job.IdempotencyKey, &job.Status, &meta, &job.Attempts,
		&scheduled, &started, &finished, &errCode, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Meta = json.RawMessage(meta)
	job.ScheduledAt = timePtr(scheduled)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.ErrorCode = textPtr(errCode)
	job.ErrorMessage = textPtr(errMsg)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	JobName        string
	IdempotencyKey string
	Meta           json.RawMessage
	ScheduledAt    time.Time
}

// CreateJob inserts a pending job unless one already exists for the idempotency key.
// It returns the job, and a boolean indicating if an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey == "" {
		return models.Job{}, false, errors.New("idempotency key is required")
	}
	if p.JobName == "" {
		p.JobName = models.JobNameMonthlyReport
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}
	if len(p.Meta) == 0 {
		p.Meta = json.RawMessage(`{}`)
	}

	// Short-circuit before generating an id when the key is already known.
	if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, job_name, idempotency_key, status, meta, attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns(""),
		uuid.New().String(), p.JobName, p.IdempotencyKey, models.StatusPending, []byte(p.Meta), p.ScheduledAt)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else inserted the key after our initial check; return their job.
		existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		log.Debug().Str("job_id", existing.ID).Str("idempotency_key", p.IdempotencyKey).Msg("job created concurrently")
		return existing, true, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", mapPostgresError(err))
	}
	return job, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns("")+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", mapPostgresError(err))
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns("")+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, mapPostgresError(err))
	}
	return job, nil
}

// ClaimPending atomically moves up to limit pending jobs to running.
// Rows locked by a concurrent claimer are skipped, so concurrent callers
// always receive disjoint sets. Jobs are returned oldest first.
func (s *Store) ClaimPending(ctx context.Context, jobName string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id
			FROM jobs
			WHERE job_name = $1
			  AND status = $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET
			status = $4,
			started_at = NOW(),
			finished_at = NULL,
			error_code = NULL,
			error_message = NULL,
			attempts = jobs.attempts + 1,
			updated_at = NOW()
		FROM claimable
		WHERE jobs.id = claimable.id
		RETURNING `+jobColumns("jobs"),
		jobName, models.StatusPending, limit, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", mapPostgresError(err))
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", mapPostgresError(err))
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	slices.SortFunc(jobs, func(a, b models.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// MarkSucceeded transitions a running job to succeeded. attempt is the
// Attempts value of the caller's claim; a job re-claimed since then is not touched.
func (s *Store) MarkSucceeded(ctx context.Context, id string, attempt int) (models.Job, error) {
	return s.finish(ctx, id, attempt, models.StatusSucceeded, "", "")
}

// MarkFailed transitions a running job to failed and records the error detail.
// It is fenced on attempt like MarkSucceeded.
func (s *Store) MarkFailed(ctx context.Context, id string, attempt int, code, message string) (models.Job, error) {
	return s.finish(ctx, id, attempt, models.StatusFailed, code, message)
}

func (s *Store) finish(ctx context.Context, id string, attempt int, status, code, message string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = NOW(), error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND attempts = $6
		RETURNING `+jobColumns(""),
		id, status, emptyToNil(code), emptyToNil(message), models.StatusRunning, attempt)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("finish job %s (attempt %d) as %s: claim not held: %w", id, attempt, status, ErrConflict)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("finish job %s: %w", id, mapPostgresError(err))
	}
	return job, nil
}

// ResetFailed moves a failed job back to pending so the dispatcher picks it up again.
func (s *Store) ResetFailed(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, scheduled_at = NOW(), started_at = NULL, finished_at = NULL,
		    error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns(""),
		id, models.StatusPending, models.StatusFailed)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, fmt.Errorf("reset job %s: not failed: %w", id, ErrConflict)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("reset job %s: %w", id, mapPostgresError(err))
	}
	return job, nil
}

// RequeueStale returns running jobs whose claim is older than olderThan to pending.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id
			FROM jobs
			WHERE status = $1
			  AND started_at < NOW() - $2 * INTERVAL '1 millisecond'
			ORDER BY started_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = $4, started_at = NULL, updated_at = NOW()
		FROM stale
		WHERE jobs.id = stale.id
		RETURNING `+jobColumns("jobs"),
		models.StatusRunning, olderThan.Milliseconds(), limit, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", mapPostgresError(err))
		}
		jobs = append(jobs, job)
	}
	return jobs, mapPostgresError(rows.Err())
}

// CountByStatus returns job counts keyed by status, used for queue depth gauges.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, mapPostgresError(rows.Err())
}
