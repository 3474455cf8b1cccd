package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"turbomerch/internal/billingperiod"
	"turbomerch/internal/config"
	"turbomerch/internal/logger"
	"turbomerch/internal/pgmq"
	"turbomerch/internal/repository"
	"turbomerch/internal/service"
	"turbomerch/internal/tier"
	"turbomerch/internal/worker/paymentretry"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/stripe/stripe-go/v82"
)

func main() {
	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Resolve the Stripe secret key when it is not supplied directly
	if cfg.StripeSecretKey == "" && cfg.GCPProjectID != "" {
		sm, err := service.NewSecretManagerService(context.Background(), cfg.GCPProjectID)
		if err != nil {
			logger.Fatal().Msgf("Failed to create Secret Manager client: %v", err)
		}
		key, err := sm.GetSecret(context.Background(), cfg.StripeSecretName)
		if err != nil {
			logger.Fatal().Msgf("Failed to resolve Stripe secret key: %v", err)
		}
		cfg.StripeSecretKey = key
		sm.Close()
	}
	stripe.Key = cfg.StripeSecretKey

	// Initialize DB connection
	db, err := sql.Open("postgres", cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal().Msgf("Failed to ping DB: %v", err)
	}
	logger.Info().Msg("Database connection established")

	// Initialize PGMQ client
	pgmqClient := pgmq.New(db)
	logger.Info().Msg("PGMQ client initialized")

	// Build the metering engine. The worker never publishes billing events;
	// the API already did when the overage was entered.
	userRepo := repository.NewUserRepo(db)
	subRepo := repository.NewSubscriptionRepo(db)
	usageRepo := repository.NewUsageRepo(db)
	dlqRepo := repository.NewDLQRepository(db)
	collector := service.NewStripeCollector(userRepo, logger)
	engine := service.NewMeteringService(
		usageRepo, subRepo, tier.Default(), billingperiod.SystemClock{}, collector,
		nil, "",
		service.MeteringConfig{
			MaxRetries: cfg.ConflictMaxRetries,
			Backoff:    time.Duration(cfg.ConflictBackoffMs) * time.Millisecond,
		},
		logger,
	)

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := paymentretry.Run(ctx, logger, cfg, pgmqClient, engine, dlqRepo); err != nil {
		logger.Fatal().Msgf("payment retry worker failed: %v", err)
	}

	logger.Info().Msg("payment retry worker stopped gracefully")
}
