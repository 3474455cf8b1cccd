package paymentretry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"turbomerch/internal/config"
	"turbomerch/internal/model"
	"turbomerch/internal/pgmq"
	"turbomerch/internal/repository"
	"turbomerch/internal/service"

	"github.com/rs/zerolog"
)

// payload is the shape of a payment retry job on the queue. Jobs are
// enqueued when a pay-mode reconciliation fails with a transient error.
type payload struct {
	UserID string `json:"user_id"`
}

// Run starts the payment retry worker. It drains the retry queue one
// message at a time, re-runs the pay reconciliation, and moves jobs that
// keep failing to the dead-letter queue.
func Run(ctx context.Context, logger zerolog.Logger, cfg *config.Config, client *pgmq.Client, engine service.MeteringService, dlqRepo repository.DLQRepository) error {
	queue := cfg.PaymentRetryQueueName
	logger.Info().Str("queue", queue).Msg("Starting payment retry worker")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down payment retry worker")
			return nil
		default:
		}

		msgs, err := client.ReadWithPoll(ctx, queue, cfg.PaymentRetryPollTimeoutSec, cfg.PaymentRetryPollMaxMsg)
		if err != nil {
			logger.Error().Err(err).Msg("Error reading payment retry queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		logger.Info().Int64("msg_id", msg.ID).Msgf("Received payment retry job: %s", string(msg.Data))

		var job payload
		if err := json.Unmarshal(msg.Data, &job); err != nil || job.UserID == "" {
			logger.Error().Err(err).Msg("Malformed payment retry payload; deleting message")
			client.Delete(ctx, queue, []int64{msg.ID})
			continue
		}

		collectErr := collectWithBackoff(ctx, logger, cfg, engine, job.UserID)
		if collectErr != nil {
			moveToDeadLetter(ctx, logger, cfg, client, dlqRepo, msg, job, collectErr)
			continue
		}

		if err := client.Delete(ctx, queue, []int64{msg.ID}); err != nil {
			logger.Error().Err(err).Msg("Error deleting payment retry message")
		}
	}
}

// collectWithBackoff re-runs the pay reconciliation with exponential
// backoff. Non-retryable payment failures (no payment method, card
// declined) abort immediately since repeating the charge cannot help.
func collectWithBackoff(ctx context.Context, logger zerolog.Logger, cfg *config.Config, engine service.MeteringService, userID string) error {
	backoff := time.Duration(cfg.PaymentRetryBackoffInitialSec) * time.Second
	var lastErr error

	for attempt := 1; attempt <= cfg.PaymentRetryMaxRetries; attempt++ {
		res, err := engine.ReconcileOverageOnUpgrade(ctx, userID, service.ReconcilePay)
		if err == nil {
			logger.Info().
				Str("user_id", userID).
				Int64("amount_cents", res.AmountCents).
				Str("payment_reference", res.PaymentReference).
				Msg("Payment retry succeeded")
			return nil
		}
		lastErr = err

		var payErr *service.PaymentCollectionError
		if errors.As(err, &payErr) && !payErr.Retryable() {
			logger.Warn().Err(err).Str("user_id", userID).Msg("Payment failure is not retryable; giving up")
			return err
		}

		logger.Error().Err(err).Int("attempt", attempt).Str("user_id", userID).Msg("Payment retry attempt failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Duration(cfg.PaymentRetryBackoffMaxSec)*time.Second {
			backoff = time.Duration(cfg.PaymentRetryBackoffMaxSec) * time.Second
		}
	}
	return fmt.Errorf("exhausted %d payment retries: %w", cfg.PaymentRetryMaxRetries, lastErr)
}

// moveToDeadLetter parks a failed job on the DLQ and records it in
// billing_dead_letters for operator review, then acks the original message.
func moveToDeadLetter(ctx context.Context, logger zerolog.Logger, cfg *config.Config, client *pgmq.Client, dlqRepo repository.DLQRepository, msg *pgmq.Message, job payload, cause error) {
	dlq := cfg.PaymentRetryDeadLetterQueueName
	if err := client.Send(ctx, dlq, msg.Data); err != nil {
		logger.Error().Err(err).Str("dlq", dlq).Msg("Failed to send payment job to dead-letter queue")
	}
	record := &model.DeadLetterMessage{
		Queue:     cfg.PaymentRetryQueueName,
		MessageID: msg.ID,
		Payload:   msg.Data,
		LastError: cause.Error(),
		Status:    "pending",
	}
	if err := dlqRepo.Create(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to record dead-lettered payment job")
	}
	if err := client.Delete(ctx, cfg.PaymentRetryQueueName, []int64{msg.ID}); err != nil {
		logger.Error().Err(err).Msg("Error deleting payment retry message after failure")
	}
	logger.Warn().
		Str("user_id", job.UserID).
		Err(cause).
		Msg("Exhausted all payment retries; moved job to DLQ")
}
