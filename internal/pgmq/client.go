// Package pgmq is a thin client for the pgmq Postgres extension, which backs
// the billing retry queues. The API enqueues failed payment reconciliations
// and the worker drains them; no broker beyond Postgres is involved.
package pgmq

import (
	"context"
	"database/sql"
	"fmt"
)

// Client issues pgmq SQL calls over an existing DB handle.
type Client struct {
	db *sql.DB
}

// New returns a Client backed by db. The pgmq extension must already be
// installed and the queues created.
func New(db *sql.DB) *Client {
	return &Client{db: db}
}

// Message is one queued job as read from a queue.
type Message struct {
	ID   int64  // pgmq message id, needed to ack
	Data []byte // raw JSON payload as enqueued
}

// Send enqueues a JSON payload on queue with no delivery delay.
func (c *Client) Send(ctx context.Context, queue string, payload []byte) error {
	_, err := c.db.ExecContext(ctx, "SELECT pgmq.send($1, $2::jsonb, 0)", queue, string(payload))
	if err != nil {
		return fmt.Errorf("pgmq send to %q: %w", queue, err)
	}
	return nil
}

// ReadWithPoll reads up to maxMessages from queue, blocking server-side for
// up to timeoutSec seconds when the queue is empty. Messages stay invisible
// to other readers until their visibility timeout lapses or Delete acks them.
func (c *Client) ReadWithPoll(ctx context.Context, queue string, timeoutSec, maxMessages int) ([]*Message, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT msg_id, message FROM pgmq.read_with_poll($1, $2, $3)",
		queue, timeoutSec, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll on %q: %w", queue, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq scan message from %q: %w", queue, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows on %q: %w", queue, err)
	}
	return msgs, nil
}

// Delete acks messages by id, removing them from queue permanently.
func (c *Client) Delete(ctx context.Context, queue string, msgIDs []int64) error {
	_, err := c.db.ExecContext(ctx, "SELECT pgmq.delete($1, $2)", queue, msgIDs)
	if err != nil {
		return fmt.Errorf("pgmq delete on %q: %w", queue, err)
	}
	return nil
}
