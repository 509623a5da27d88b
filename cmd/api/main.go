package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"report-pipeline/internal/api"
	"report-pipeline/internal/auth"
	"report-pipeline/internal/config"
	"report-pipeline/internal/enqueue"
	"report-pipeline/internal/logger"
	"report-pipeline/internal/ratelimit"
	"report-pipeline/internal/realtime"
	"report-pipeline/internal/store"
	"report-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	lg := logger.Setup(cfg.LogDev || cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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
	broker := realtime.NewRedisBroker(redisClient)
	publisher := realtime.NewManager(broker, lg)
	verifier := auth.NewVerifier(cfg.AuthJWTSecret)

	dispatcher, err := worker.NewFromConfig(ctx, cfg, st, publisher, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("init dispatcher")
	}

	server := api.New(cfg, api.Deps{
		Jobs:       enqueue.New(st, publisher, lg),
		Store:      st,
		Dispatcher: dispatcher,
		Limiter:    ratelimit.PerMinute(redisClient, "ratelimit:regenerate", cfg.RateLimitPerMinute),
		Verifier:   verifier,
		Realtime:   realtime.NewGateway(broker, verifier, lg),
		Logger:     lg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lg.Info().Str("addr", httpServer.Addr).Str("env", cfg.Env).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown")
	}
	lg.Info().Msg("api stopped")
}
