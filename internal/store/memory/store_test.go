package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
)

func seedJobs(t *testing.T, st *Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job, reused, err := st.CreateJob(context.Background(), store.CreateJobParams{
			JobName:        models.JobNameMonthlyReport,
			IdempotencyKey: fmt.Sprintf("report:tenant-%d:202501", i),
			Meta:           json.RawMessage(`{"tenant_id":"t"}`),
		})
		require.NoError(t, err)
		require.False(t, reused)
		ids = append(ids, job.ID)
	}
	return ids
}

func TestCreateJobIdempotent(t *testing.T) {
	ctx := context.Background()
	st := New()

	first, reused, err := st.CreateJob(ctx, store.CreateJobParams{IdempotencyKey: "report:acme:202501"})
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, models.StatusPending, first.Status)
	require.NotNil(t, first.ScheduledAt)

	second, reused, err := st.CreateJob(ctx, store.CreateJobParams{IdempotencyKey: "report:acme:202501"})
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.ID, second.ID)
}

func TestClaimPendingOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	st := New()
	ids := seedJobs(t, st, 5)

	claimed, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, job := range claimed {
		require.Equal(t, ids[i], job.ID)
		require.Equal(t, models.StatusRunning, job.Status)
		require.NotNil(t, job.StartedAt)
		require.Equal(t, 1, job.Attempts)
	}

	rest, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	none, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestClaimPendingConcurrentDisjoint(t *testing.T) {
	ctx := context.Background()
	st := New()
	seedJobs(t, st, 20)

	var wg sync.WaitGroup
	results := make([][]models.Job, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 7)
			assert.NoError(t, err)
			results[i] = jobs
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := 0
	for _, batch := range results {
		for _, job := range batch {
			require.False(t, seen[job.ID], "job %s claimed twice", job.ID)
			seen[job.ID] = true
			total++
		}
	}
	require.Equal(t, 20, total)
}

func TestFinishRequiresRunning(t *testing.T) {
	ctx := context.Background()
	st := New()
	ids := seedJobs(t, st, 1)

	_, err := st.MarkSucceeded(ctx, ids[0], 0)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)

	_, err = st.MarkFailed(ctx, ids[0], 2, "generator_error", "boom")
	require.ErrorIs(t, err, store.ErrConflict, "wrong attempt")

	job, err := st.MarkFailed(ctx, ids[0], 1, "generator_error", "boom")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, "boom", *job.ErrorMessage)
	require.NotNil(t, job.FinishedAt)

	_, err = st.MarkSucceeded(ctx, ids[0], 1)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestResetFailed(t *testing.T) {
	ctx := context.Background()
	st := New()
	ids := seedJobs(t, st, 1)

	_, err := st.ResetFailed(ctx, ids[0])
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = st.ResetFailed(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, ids[0], 1, "x", "y")
	require.NoError(t, err)

	job, err := st.ResetFailed(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, job.Status)
	require.Nil(t, job.ErrorCode)
	require.Nil(t, job.FinishedAt)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	seedJobs(t, st, 2)

	_, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 2)
	require.NoError(t, err)

	requeued, err := st.RequeueStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, requeued)

	now = now.Add(2 * time.Hour)
	requeued, err = st.RequeueStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 2)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[models.StatusPending])
}

func TestRequeueStaleOldestClaimFirst(t *testing.T) {
	ctx := context.Background()
	st := New()
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	st.SetClock(func() time.Time { return now })
	ids := seedJobs(t, st, 2)

	_, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)
	now = t0.Add(10 * time.Minute)
	_, err = st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)

	// Re-running the first job makes its claim the newer one.
	_, err = st.MarkFailed(ctx, ids[0], 1, "x", "y")
	require.NoError(t, err)
	_, err = st.ResetFailed(ctx, ids[0])
	require.NoError(t, err)
	now = t0.Add(20 * time.Minute)
	claimed, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)
	require.Equal(t, ids[0], claimed[0].ID)

	now = t0.Add(3 * time.Hour)
	for i := 0; i < 2; i++ {
		requeued, err := st.RequeueStale(ctx, time.Hour, 1)
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		require.Equal(t, ids[1-i], requeued[0].ID)
	}
}

func TestUpsertReportSingleRow(t *testing.T) {
	ctx := context.Background()
	st := New()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	params := models.UpsertReportParams{
		TenantID:    "acme",
		PeriodStart: start,
		PeriodEnd:   models.MonthEnd(start),
		Status:      models.ReportProcessing,
	}
	first, err := st.UpsertReport(ctx, params)
	require.NoError(t, err)

	params.Status = models.ReportReady
	params.Summary = json.RawMessage(`{"views":2}`)
	second, err := st.UpsertReport(ctx, params)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, st.ReportCount())

	got, err := st.GetReport(ctx, "acme", start.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Equal(t, models.ReportReady, got.Status)
	require.JSONEq(t, `{"views":2}`, string(got.Summary))

	tenants, err := st.ListTenants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"acme"}, tenants)
}
