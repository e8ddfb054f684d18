package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"payment-service/internal/app"
	"payment-service/internal/config"
	"payment-service/internal/database"
	grpcServer "payment-service/internal/grpc"
	"payment-service/internal/handlers"
	"payment-service/internal/middleware"
	"payment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	config.LoadEnv()
	cfg := config.Load()

	logger, err := middleware.NewLogger(cfg.GinMode == gin.DebugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	shutdownTracing, err := middleware.InitTracing("payment-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// Initialize Database
	db, err := database.Connect(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Redis/Asynq Client
	redisOpt := app.RedisOpt(cfg)
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()

	tasks := worker.NewTaskClient(asynqClient, inspector, app.SweepUniqueWindow(cfg.Sweep.Cron), logger)
	svc := app.NewServices(cfg, db, tasks, logger)

	// Start Cron Scheduler
	scheduler, err := svc.Reconciler.StartScheduler()
	if err != nil {
		logger.Fatal("Failed to start reconciliation scheduler", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start gRPC server
	grpcSrv := grpcServer.NewServer(func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}, logger)
	go func() {
		if err := grpcSrv.Serve(ctx, cfg.GRPCPort, 15*time.Second); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	// Initialize Gin
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("payment-service"))
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.MetricsMiddleware())

	handlers.RegisterRoutes(r,
		handlers.NewWebhookHandler(svc.Webhooks, logger),
		handlers.NewPaymentHandler(svc.Links, svc.Store, svc.Ledger, logger),
		handlers.NewHealthHandler(db, rdb),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("HTTP Server started", zap.String("port", cfg.Port), zap.String("grpc_port", cfg.GRPCPort))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	<-scheduler.Stop().Done()
	grpcSrv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}
