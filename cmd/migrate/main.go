package main

import (
	"log"

	"go.uber.org/zap"

	"payment-service/internal/config"
	"payment-service/internal/database"
	"payment-service/internal/middleware"
)

func main() {
	config.LoadEnv()
	cfg := config.Load()

	logger, err := middleware.NewLogger(false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize Database
	db, err := database.Connect(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Run Migrations
	logger.Info("Running database migrations...")
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}

	logger.Info("Migrations completed successfully!")
}
