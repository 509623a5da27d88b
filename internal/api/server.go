package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"report-pipeline/internal/auth"
	"report-pipeline/internal/config"
	"report-pipeline/internal/enqueue"
	"report-pipeline/internal/logger"
	"report-pipeline/internal/models"
	"report-pipeline/internal/ratelimit"
	"report-pipeline/internal/realtime"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
	"report-pipeline/internal/worker"
)

// JobService creates and retries report jobs.
type JobService interface {
	Enqueue(ctx context.Context, req enqueue.Request) (enqueue.Result, error)
	Retry(ctx context.Context, jobID string) (models.Job, error)
}

// Store is the read side used by the lookup endpoints.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetReport(ctx context.Context, tenantID string, periodStart time.Time) (models.Report, error)
	Ping(ctx context.Context) error
}

// Dispatcher runs one dispatch batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, limit int) ([]worker.Result, error)
}

// Limiter bounds regenerate requests per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter and Realtime
// may be nil.
type Deps struct {
	Jobs       JobService
	Store      Store
	Dispatcher Dispatcher
	Limiter    Limiter
	Verifier   *auth.Verifier
	Realtime   http.Handler
	Logger     zerolog.Logger
}

// Server wires HTTP handlers for the report pipeline.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Requests(s.deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.deps.Realtime != nil {
		r.Get("/realtime", s.deps.Realtime.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(s.deps.Verifier))
		r.Post("/reports/regenerate", s.handleRegenerate)
		r.Post("/reports/jobs/{id}/retry", s.handleRetry)
		r.Get("/reports/jobs/{id}", s.handleGetJob)
		r.Get("/reports/{org_id}/{period}", s.handleGetReport)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireServiceToken(s.cfg.WorkerServiceToken))
		r.Post("/reports-worker/run", s.handleDispatch)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type regenerateRequest struct {
	OrgID       string `json:"org_id"`
	PeriodStart string `json:"period_start"`
}

type regenerateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reused bool   `json:"reused"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	if err := models.ValidateTenantID(req.OrgID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var period *time.Time
	if req.PeriodStart != "" {
		p, err := models.ParsePeriod(req.PeriodStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = &p
	}
	if !canAccess(r, req.OrgID) {
		writeError(w, http.StatusForbidden, "no access to organization")
		return
	}
	if !s.allow(w, r, req.OrgID) {
		return
	}

	res, err := s.deps.Jobs.Enqueue(r.Context(), enqueue.Request{TenantID: req.OrgID, PeriodStart: period})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if res.Reused {
		code = http.StatusOK
	}
	writeJSON(w, code, regenerateResponse{JobID: res.Job.ID, Status: res.Job.Status, Reused: res.Reused})
}

// allow applies the per-tenant limit. A limiter outage lets the request
// through; enqueue is idempotent so the worst case is extra reused replies.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), tenant)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("tenant_id", tenant).Msg("rate limiter unavailable")
		return true
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizedJob(w, r); !ok {
		return
	}
	job, err := s.deps.Jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// authorizedJob loads the path's job and checks the caller may see its tenant.
func (s *Server) authorizedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return models.Job{}, false
	}
	meta, err := models.DecodeReportMeta(job)
	if err != nil || !canAccess(r, meta.TenantID) {
		writeError(w, http.StatusForbidden, "no access to job")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org_id")
	if err := models.ValidateTenantID(org); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period, err := models.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !canAccess(r, org) {
		writeError(w, http.StatusForbidden, "no access to organization")
		return
	}
	report, err := s.deps.Store.GetReport(r.Context(), org, period)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type dispatchResponse struct {
	Processed int             `json:"processed"`
	Results   []worker.Result `json:"results"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	results, err := s.deps.Dispatcher.Dispatch(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []worker.Result{}
	}
	writeJSON(w, http.StatusOK, dispatchResponse{Processed: len(results), Results: results})
}

// jobView is the public job shape; the failure detail stays server side.
type jobView struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PeriodStart string     `json:"period_start"`
	PeriodEnd   string     `json:"period_end"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func newJobView(job models.Job) jobView {
	v := jobView{
		ID:          job.ID,
		Status:      job.Status,
		Attempts:    job.Attempts,
		ScheduledAt: job.ScheduledAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if meta, err := models.DecodeReportMeta(job); err == nil {
		v.TenantID = meta.TenantID
		v.PeriodStart = meta.PeriodStart.Format(time.DateOnly)
		v.PeriodEnd = meta.PeriodEnd.Format(time.DateOnly)
	}
	if job.Status == models.StatusFailed {
		v.Error = realtime.GenericFailure
	}
	return v
}

func canAccess(r *http.Request, tenant string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	return ok && claims.CanAccessTenant(tenant)
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, enqueue.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, enqueue.ErrNotRetryable):
		writeError(w, http.StatusConflict, "job is not failed")
	case errors.Is(err, store.ErrUnavailable):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
