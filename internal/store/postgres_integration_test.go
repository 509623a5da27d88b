//go:build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"report-pipeline/internal/models"
)

func setupPostgres(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "reports",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	st, err := New(ctx, fmt.Sprintf("postgres://test:test@%s:%s/reports?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, st.RunMigrations(ctx))
	// Second run must be a no-op.
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func createReportJob(t *testing.T, ctx context.Context, st *Store, tenant string, period time.Time) (models.Job, bool) {
	t.Helper()
	meta, err := models.NewReportMeta(tenant, period).Encode()
	require.NoError(t, err)
	job, reused, err := st.CreateJob(ctx, CreateJobParams{
		JobName:        models.JobNameMonthlyReport,
		IdempotencyKey: models.IdempotencyKey(tenant, period),
		Meta:           meta,
	})
	require.NoError(t, err)
	return job, reused
}

func TestIntegration_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)
	period := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("concurrent enqueue creates one job", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make(chan string, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				meta, _ := models.NewReportMeta("acme", period).Encode()
				job, _, err := st.CreateJob(ctx, CreateJobParams{
					JobName:        models.JobNameMonthlyReport,
					IdempotencyKey: models.IdempotencyKey("acme", period),
					Meta:           meta,
				})
				assert.NoError(t, err)
				ids <- job.ID
			}()
		}
		wg.Wait()
		close(ids)
		unique := map[string]bool{}
		for id := range ids {
			unique[id] = true
		}
		require.Len(t, unique, 1)
	})

	t.Run("claim succeed and fail", func(t *testing.T) {
		claimed, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, models.StatusRunning, claimed[0].Status)
		require.NotNil(t, claimed[0].StartedAt)

		meta, err := models.DecodeReportMeta(claimed[0])
		require.NoError(t, err)
		require.Equal(t, "acme", meta.TenantID)

		done, err := st.MarkSucceeded(ctx, claimed[0].ID, claimed[0].Attempts)
		require.NoError(t, err)
		require.Equal(t, models.StatusSucceeded, done.Status)
		require.False(t, done.FinishedAt.Before(*done.StartedAt))

		_, err = st.MarkFailed(ctx, claimed[0].ID, claimed[0].Attempts, "x", "y")
		require.ErrorIs(t, err, ErrConflict)

		_, err = st.ResetFailed(ctx, claimed[0].ID)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := st.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.GetJob(ctx, "not-a-uuid")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIntegration_ConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)

	const n = 30
	for i := 0; i < n; i++ {
		createReportJob(t, ctx, st, fmt.Sprintf("tenant-%02d", i), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	}

	var wg sync.WaitGroup
	batches := make([][]models.Job, 3)
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 12)
			assert.NoError(t, err)
			batches[i] = jobs
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, batch := range batches {
		for _, job := range batch {
			require.False(t, seen[job.ID], "job %s claimed twice", job.ID)
			seen[job.ID] = true
		}
	}
	require.Len(t, seen, n)
}

func TestIntegration_StaleRequeueAndReset(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)
	job, _ := createReportJob(t, ctx, st, "globex", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	_, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)

	requeued, err := st.RequeueStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, requeued)

	time.Sleep(20 * time.Millisecond)
	requeued, err = st.RequeueStale(ctx, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Equal(t, job.ID, requeued[0].ID)

	claimed, err := st.ClaimPending(ctx, models.JobNameMonthlyReport, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 2, claimed[0].Attempts)

	// The first claim's holder can no longer finish the job.
	_, err = st.MarkSucceeded(ctx, job.ID, 1)
	require.ErrorIs(t, err, ErrConflict)

	_, err = st.MarkFailed(ctx, job.ID, claimed[0].Attempts, "generator_error", "upstream timeout")
	require.NoError(t, err)

	reset, err := st.ResetFailed(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, reset.Status)
	require.Nil(t, reset.ErrorMessage)

	require.NoError(t, st.AppendAudit(ctx, job.ID, "retry", "manual"))
}

func TestIntegration_UpsertReport(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t, ctx)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := st.UpsertReport(ctx, models.UpsertReportParams{
		TenantID:    "acme",
		PeriodStart: start,
		PeriodEnd:   models.MonthEnd(start),
		Status:      models.ReportProcessing,
	})
	require.NoError(t, err)

	second, err := st.UpsertReport(ctx, models.UpsertReportParams{
		TenantID:    "acme",
		PeriodStart: start,
		PeriodEnd:   models.MonthEnd(start),
		Status:      models.ReportReady,
		Summary:     json.RawMessage(`{"posts":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.ReportReady, second.Status)
	require.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), second.PeriodEnd)

	got, err := st.GetReport(ctx, "acme", start)
	require.NoError(t, err)
	require.JSONEq(t, `{"posts":3}`, string(got.Summary))

	tenants, err := st.ListTenants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"acme"}, tenants)
}
