package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/examind/examind-api/internal/config"
	"github.com/examind/examind-api/internal/database"
	"github.com/examind/examind-api/internal/guard"
	"github.com/examind/examind-api/internal/handler"
	"github.com/examind/examind-api/internal/middleware"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/queue"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/internal/router"
	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/internal/worker"
	"github.com/examind/examind-api/pkg/ai"
	"github.com/examind/examind-api/pkg/sandbox"
	"github.com/examind/examind-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Exam{}, &models.Section{}, &models.Question{}, &models.Segment{}, &models.Rubric{},
		&models.Attempt{}, &models.Answer{}, &models.AnswerSegment{}, &models.Grade{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsConn.Close()

	aiClient, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create ai client: %v", err)
	}

	var runner sandbox.Runner
	dockerRunner, err := sandbox.NewDockerRunner(sandbox.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.SandboxTimeout,
		MemoryLimitMB: int64(cfg.SandboxMemoryMB),
		CPUShares:     int64(cfg.SandboxCPUShares),
		Logger:        logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("sandbox unavailable, code answers evaluated on source only")
	} else {
		runner = dockerRunner
		defer dockerRunner.Close()
	}

	var uploader handler.Uploader
	store, err := storage.New(storage.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("attachment storage unavailable")
	} else {
		uploader = store
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	attemptRepo := repository.NewAttemptRepository(db)
	examRepo := repository.NewExamRepository(db)
	rubricRepo := repository.NewRubricRepository(db)

	jobs := queue.NewRedis(redisClient, natsConn, logger)

	idempotency := guard.NewIdempotencyGuard(redisClient, cfg.IdempotencyTTL, cfg.IsProduction(), logger)
	nonces := guard.NewNonceGuard(redisClient, cfg.NonceTTL, cfg.IsProduction(), logger)

	attemptService := service.NewAttemptService(attemptRepo, examRepo, idempotency, nonces, validate, logger)
	gradingService := service.NewGradingService(attemptRepo, validate, logger)
	batchService := service.NewBatchService(attemptRepo, examRepo, rubricRepo, jobs, aiClient, logger)
	publishService := service.NewPublishService(examRepo, jobs, validate, logger)

	attemptHandler := handler.NewAttemptHandler(attemptService, uploader, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, logger)
	batchHandler := handler.NewBatchHandler(batchService, natsConn, logger)
	examHandler := handler.NewExamHandler(publishService, logger)

	grader := worker.NewGrader(jobs, attemptRepo, rubricRepo, aiClient, runner, natsConn, worker.Config{
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.WorkerMaxAttempts,
		SandboxImages:  cfg.SandboxImages,
		SandboxTimeout: cfg.SandboxTimeout,
	}, logger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go func() {
		if err := grader.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error().Err(err).Msg("grading worker exited")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		AttemptHandler: attemptHandler,
		GradingHandler: gradingHandler,
		BatchHandler:   batchHandler,
		ExamHandler:    examHandler,
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopWorker)
}

func waitForShutdown(app *fiber.App, stopWorker context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
