package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENVIRONMENT" default:"development"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Stripe settings. The secret key may be left empty and resolved from
	// Secret Manager instead (see STRIPE_SECRET_NAME).
	StripeSecretKey       string `envconfig:"STRIPE_SECRET_KEY"`
	StripeSecretName      string `envconfig:"STRIPE_SECRET_NAME" default:"stripe-secret-key"`
	StripeWebhookSecret   string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePortalReturnURL string `envconfig:"STRIPE_PORTAL_RETURN_URL" default:"https://app.turbomerch.io/account"`
	StripePriceStarter    string `envconfig:"STRIPE_PRICE_STARTER"`
	StripePricePro        string `envconfig:"STRIPE_PRICE_PRO"`
	StripePriceBusiness   string `envconfig:"STRIPE_PRICE_BUSINESS"`
	StripePriceEnterprise string `envconfig:"STRIPE_PRICE_ENTERPRISE"`

	// GCP settings for the billing events topic and Secret Manager.
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	BillingEventsTopic string `envconfig:"BILLING_EVENTS_TOPIC" default:"billing_events"`

	// Metering engine settings.
	ConflictMaxRetries int `envconfig:"CONFLICT_MAX_RETRIES" default:"3"`
	ConflictBackoffMs  int `envconfig:"CONFLICT_BACKOFF_MS" default:"25"`

	// Payment retry worker settings.
	PaymentRetryQueueName           string `envconfig:"PAYMENT_RETRY_QUEUE_NAME" default:"payment_retry_queue"`
	PaymentRetryPollTimeoutSec      int    `envconfig:"PAYMENT_RETRY_POLL_TIMEOUT_SEC" default:"30"`
	PaymentRetryPollMaxMsg          int    `envconfig:"PAYMENT_RETRY_POLL_MAX_MSG" default:"1"`
	PaymentRetryMaxRetries          int    `envconfig:"PAYMENT_RETRY_MAX_RETRIES" default:"5"`
	PaymentRetryBackoffInitialSec   int    `envconfig:"PAYMENT_RETRY_BACKOFF_INITIAL_SEC" default:"1"`
	PaymentRetryBackoffMaxSec       int    `envconfig:"PAYMENT_RETRY_BACKOFF_MAX_SEC" default:"60"`
	PaymentRetryDeadLetterQueueName string `envconfig:"PAYMENT_RETRY_DEAD_LETTER_QUEUE_NAME" default:"payment_retry_queue_dlq"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
