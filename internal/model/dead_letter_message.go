package model

import "time"

// DeadLetterMessage records a billing job that exhausted its retries so it
// can be inspected and replayed by hand.
type DeadLetterMessage struct {
	ID        int64     `db:"id" json:"id"`
	Queue     string    `db:"queue" json:"queue"`
	MessageID int64     `db:"message_id" json:"message_id"`
	Payload   []byte    `db:"payload" json:"payload"`
	LastError string    `db:"last_error" json:"last_error"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
