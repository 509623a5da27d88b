package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"report-pipeline/internal/config"
	"report-pipeline/internal/enqueue"
	"report-pipeline/internal/logger"
	"report-pipeline/internal/realtime"
	"report-pipeline/internal/scheduler"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
	"report-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	lg := logger.Setup(cfg.LogDev || cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	lg = lg.With().Str("worker_id", workerID).Logger()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := realtime.NewRedisClient(cfg)
	defer redisClient.Close()
	publisher := realtime.NewManager(realtime.NewRedisBroker(redisClient), lg)

	dispatcher, err := worker.NewFromConfig(ctx, cfg, st, publisher, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("init dispatcher")
	}

	sched := scheduler.New(dispatcher, enqueue.New(st, publisher, lg), st, cfg.ReportTenants, lg)
	if err := sched.Register(ctx, cfg.DispatchSchedule, cfg.MonthlySchedule); err != nil {
		log.Fatal().Err(err).Msg("register schedules")
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("metrics server")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = sched.Run(ctx)
	}()
	// The poll loop is the default driver; DISPATCH_SCHEDULE adds a cron driver.
	go func() {
		defer wg.Done()
		_ = dispatcher.Run(ctx)
	}()

	lg.Info().
		Dur("poll_interval", cfg.WorkerPollInterval).
		Dur("stale_timeout", cfg.StaleJobTimeout).
		Str("monthly_schedule", cfg.MonthlySchedule).
		Msg("worker started")
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("metrics shutdown")
	}
	lg.Info().Msg("worker stopped")
}
