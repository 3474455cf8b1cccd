package repository

import (
	"context"
	"database/sql"

	"turbomerch/internal/model"
)

// DLQRepository records billing jobs that exhausted their retries.
type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
}

type dlqRepository struct {
	db *sql.DB
}

func NewDLQRepository(db *sql.DB) DLQRepository {
	return &dlqRepository{db: db}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	query := `
        INSERT INTO billing_dead_letters (queue, message_id, payload, last_error, status)
        VALUES ($1, $2, $3, $4, $5)
    `
	_, err := r.db.ExecContext(
		ctx,
		query,
		message.Queue,
		message.MessageID,
		message.Payload,
		message.LastError,
		message.Status,
	)
	return err
}
