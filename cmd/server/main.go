package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotoba-cbt/kotoba-backend/internal/config"
	"github.com/kotoba-cbt/kotoba-backend/internal/database"
	"github.com/kotoba-cbt/kotoba-backend/internal/handler"
	"github.com/kotoba-cbt/kotoba-backend/internal/logger"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/repository"
	"github.com/kotoba-cbt/kotoba-backend/internal/router"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/kotoba-cbt/kotoba-backend/internal/session"
	"github.com/kotoba-cbt/kotoba-backend/internal/validator"
	"github.com/kotoba-cbt/kotoba-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Kotoba Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	userRepo := repository.NewUserRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	clock := session.SystemClock()
	authService := service.NewAuthService(cfg, rdb)
	catalogService := service.NewCatalogService(examRepo, questionRepo, rdb, log)
	attemptService := service.NewAttemptService(attemptRepo, catalogService, rdb, clock, log)

	// ─── Session Manager ──────────────────────────────────────────────
	// Live sessions enqueue their dirty snapshots; on expiry the terminal
	// snapshot is persisted synchronously before grading.
	manager := session.NewManager(
		clock,
		attemptService.EnqueueProgress,
		func(ctx context.Context, p *model.AttemptProgress) {
			if _, err := attemptService.SubmitFinal(ctx, p); err != nil {
				log.Error().Err(err).Str("attempt_id", p.AttemptID.String()).Msg("Expiry submit failed")
			}
		},
		cfg.FlushInterval,
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:      handler.NewAuthHandler(authService, userRepo),
		Candidate: handler.NewCandidateHandler(catalogService, attemptService),
		Admin:     handler.NewAdminHandler(catalogService, attemptService),
		WS:        handler.NewWSHandler(attemptService, manager, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	flushWorker := worker.NewFlushWorker(attemptService, rdb, log)
	expiryWorker := worker.NewExpiryWorker(attemptRepo, attemptService, manager, clock, cfg.ExpirySweepInterval, cfg.ExpiryGrace, log)

	go manager.Run(workerCtx)
	go flushWorker.Start(workerCtx)
	go expiryWorker.Start(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := catalogService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the manager and workers; allow final flushes to drain.
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
