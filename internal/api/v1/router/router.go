package router

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"turbomerch/internal/api/v1/handler"
	"turbomerch/internal/billingperiod"
	"turbomerch/internal/config"
	"turbomerch/internal/middleware"
	"turbomerch/internal/pgmq"
	"turbomerch/internal/pubsub"
	"turbomerch/internal/repository"
	"turbomerch/internal/service"
	"turbomerch/internal/tier"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *sql.DB, error) {
	logger.Info().Msg("Router initialized")
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	// 1. Open DB connection (connection pooling)
	db, err := sql.Open("pgx", BuildDSN(cfg))
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		logger.Fatal().Msgf("Failed to ping DB: %v", err)
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// 2. Resolve the Stripe secret key from Secret Manager when it is not
	// supplied directly.
	if cfg.StripeSecretKey == "" && cfg.GCPProjectID != "" {
		sm, err := service.NewSecretManagerService(context.Background(), cfg.GCPProjectID)
		if err != nil {
			logger.Fatal().Msgf("Failed to create Secret Manager client: %v", err)
			return nil, nil, err
		}
		key, err := sm.GetSecret(context.Background(), cfg.StripeSecretName)
		if err != nil {
			sm.Close()
			logger.Fatal().Msgf("Failed to resolve Stripe secret key: %v", err)
			return nil, nil, err
		}
		cfg.StripeSecretKey = key
		sm.Close()
	}

	// 3. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 4. Initialize Pub/Sub publisher for billing events. Optional; the
	// engine runs without it.
	var publisher pubsub.Publisher
	if cfg.GCPProjectID != "" {
		p, err := pubsub.NewPublisher(context.Background(), cfg.GCPProjectID)
		if err != nil {
			logger.Fatal().Msgf("Failed to create Pub/Sub publisher: %v", err)
			return nil, nil, err
		}
		publisher = p
	}

	// 5. Initialize repositories & services & handlers
	userRepo := repository.NewUserRepo(db)
	subRepo := repository.NewSubscriptionRepo(db)
	usageRepo := repository.NewUsageRepo(db)
	ledgerRepo := repository.NewLedgerRepo(db)

	tiers := tier.Default()
	collector := service.NewStripeCollector(userRepo, logger)
	meteringSvc := service.NewMeteringService(
		usageRepo, subRepo, tiers, billingperiod.SystemClock{}, collector,
		publisher, cfg.BillingEventsTopic,
		service.MeteringConfig{
			MaxRetries: cfg.ConflictMaxRetries,
			Backoff:    time.Duration(cfg.ConflictBackoffMs) * time.Millisecond,
		},
		logger,
	)
	userSvc := service.NewUserService(userRepo, subRepo)
	subSvc := service.NewSubscriptionService(subRepo, logger)
	stripeSvc := service.NewStripeService(cfg, userRepo, subSvc, logger)
	queueClient := pgmq.New(db)

	userHandler := handler.NewUserHandler(userSvc, validate)
	usageHandler := handler.NewUsageHandler(meteringSvc, validate)
	subHandler := handler.NewSubscriptionHandler(
		meteringSvc, subSvc, stripeSvc, ledgerRepo,
		queueClient, cfg.PaymentRetryQueueName, validate, logger,
	)

	// 6. Initialize middleware
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)

	// 7. Create ServeMux router
	mux := http.NewServeMux()

	// Create a subrouter for API v1 with the /v1 prefix
	apiV1Mux := http.NewServeMux()
	userHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	usageHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	subHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	// Stripe calls this directly; it must stay outside the JWT middleware.
	subHandler.RegisterWebhook(mux)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// 8. Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	return middleware.LoggerMiddleware(logger, c.Handler(mux)), db, nil
}

// BuildDSN applies environment-appropriate connection options. Development
// disables SSL for local Postgres; everything else assumes a transaction
// pooler and forces the simple query protocol so server-side prepared
// statements are not reused across pooled sessions.
func BuildDSN(cfg *config.Config) string {
	dsn := cfg.DBConnectionString
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := " "
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if strings.Contains(dsn, "?") {
				separator = "&"
			} else {
				separator = "?"
			}
		}
		dsn += separator + "sslmode=disable"
	}
	if cfg.Environment != "development" {
		if !strings.Contains(dsn, "prefer_simple_protocol") {
			separator := "&"
			if !strings.Contains(dsn, "?") {
				separator = "?"
			}
			dsn += separator + "prefer_simple_protocol=true"
		}
	}
	return dsn
}
