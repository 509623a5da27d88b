package enqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/store/memory"
)

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (p *recordingPublisher) PublishJob(_ context.Context, job models.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

type auditFailingStore struct {
	*memory.Store
}

func (auditFailingStore) AppendAudit(context.Context, string, string, string) error {
	return errors.New("audit table locked")
}

type unavailableStore struct {
	*memory.Store
}

func (unavailableStore) CreateJob(context.Context, store.CreateJobParams) (models.Job, bool, error) {
	return models.Job{}, false, store.ErrUnavailable
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2025, 1, 17, 9, 30, 0, 0, time.UTC) }
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	pub := &recordingPublisher{}
	e := New(st, pub, zerolog.Nop()).WithClock(fixedClock())

	period := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := e.Enqueue(ctx, Request{TenantID: "acme", PeriodStart: &period})
	require.NoError(t, err)
	require.False(t, first.Reused)
	require.Equal(t, models.StatusPending, first.Job.Status)
	require.Equal(t, "report:acme:202501", first.Job.IdempotencyKey)

	second, err := e.Enqueue(ctx, Request{TenantID: "acme", PeriodStart: &period})
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Job.ID, second.Job.ID)

	// Only the creation is announced.
	require.Len(t, pub.jobs, 1)

	audit := st.Audit()
	require.Len(t, audit, 2)
	require.Equal(t, "enqueued", audit[0].Event)
	require.Equal(t, "enqueue_reused", audit[1].Event)
}

func TestEnqueueDefaultsAndNormalizesPeriod(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), nil, zerolog.Nop()).WithClock(fixedClock())

	res, err := e.Enqueue(ctx, Request{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "report:acme:202501", res.Job.IdempotencyKey)

	mid := time.Date(2025, 1, 20, 18, 0, 0, 0, time.UTC)
	again, err := e.Enqueue(ctx, Request{TenantID: "acme", PeriodStart: &mid})
	require.NoError(t, err)
	require.True(t, again.Reused)

	meta, err := models.DecodeReportMeta(res.Job)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), meta.PeriodStart)
	require.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), meta.PeriodEnd)
}

func TestEnqueueConcurrentCallsCollapse(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), nil, zerolog.Nop()).WithClock(fixedClock())

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]int{}
	created := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Enqueue(ctx, Request{TenantID: "acme"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[res.Job.ID]++
			if !res.Reused {
				created++
			}
		}()
	}
	wg.Wait()
	require.Len(t, ids, 1)
	require.Equal(t, 1, created)
}

func TestEnqueueErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(memory.New(), nil, zerolog.Nop()).Enqueue(ctx, Request{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	st := memory.New()
	_, err = New(st, nil, zerolog.Nop()).Enqueue(ctx, Request{TenantID: "x:jobs"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)

	_, err = New(unavailableStore{memory.New()}, nil, zerolog.Nop()).Enqueue(ctx, Request{TenantID: "acme"})
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestEnqueueIgnoresAuditFailure(t *testing.T) {
	e := New(auditFailingStore{memory.New()}, nil, zerolog.Nop())
	res, err := e.Enqueue(context.Background(), Request{TenantID: "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Job.ID)
}

func TestRetryResetsOnlyFailedJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	pub := &recordingPublisher{}
	e := New(st, pub, zerolog.Nop()).WithClock(fixedClock())

	res, err := e.Enqueue(ctx, Request{TenantID: "acme"})
	require.NoError(t, err)

	_, err = e.Retry(ctx, res.Job.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = e.Retry(ctx, "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)

	claimed, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, res.Job.ID, claimed[0].Attempts, "generator_error", "timeout")
	require.NoError(t, err)

	// Enqueue hands back the failed job; the caller then retries explicitly.
	reused, err := e.Enqueue(ctx, Request{TenantID: "acme"})
	require.NoError(t, err)
	require.True(t, reused.Reused)
	require.Equal(t, models.StatusFailed, reused.Job.Status)

	job, err := e.Retry(ctx, res.Job.ID)
	require.NoError(t, err)
	require.Equal(t, res.Job.ID, job.ID)
	require.Equal(t, models.StatusPending, job.Status)
	require.Nil(t, job.ErrorMessage)
	require.Len(t, pub.jobs, 2)
}
