package main

import (
	"log"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"payment-service/internal/app"
	"payment-service/internal/config"
	"payment-service/internal/consumers"
	"payment-service/internal/database"
	"payment-service/internal/middleware"
	"payment-service/internal/worker"
)

func main() {
	config.LoadEnv("../../.env", ".env")
	cfg := config.Load()

	logger, err := middleware.NewLogger(cfg.GinMode == "debug")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := middleware.InitTracing("payment-worker")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// Connect DB
	db, err := database.Connect(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Redis
	redisOpt := app.RedisOpt(cfg)
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Kafka
	producer, err := consumers.InitProducer(cfg.KafkaBroker, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	tasks := worker.NewTaskClient(asynqClient, inspector, app.SweepUniqueWindow(cfg.Sweep.Cron), logger)
	svc := app.NewServices(cfg, db, tasks, logger)

	// Processor
	publisher := consumers.NewKafkaPublisher(producer, cfg.NotificationTopic, logger)
	processor := consumers.NewPaymentProcessor(svc.Reconciler, publisher, logger)

	logger.Info("Starting Asynq Worker...", zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.StartWorker(redisOpt, cfg.WorkerConcurrency, processor, logger); err != nil {
		logger.Fatal("Worker stopped", zap.Error(err))
	}
}
