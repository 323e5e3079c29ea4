package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Consumer claims pending messages for a topic. Delivery is at-least-once:
// a message stays pending until MarkDone, so a consumer that crashes after
// claiming simply sees the message again on its next poll.
type Consumer struct {
	pool *pgxpool.Pool
}

func NewConsumer(pool *pgxpool.Pool) *Consumer {
	return &Consumer{pool: pool}
}

// Claim returns up to limit pending messages for topic in creation order,
// incrementing their attempt counter. Concurrent consumers skip each other's
// locked rows, so a batch is handed to exactly one poller at a time.
func (c *Consumer) Claim(ctx context.Context, topic string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		UPDATE outbox
		SET attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE topic = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, status, attempts, created_at
	`

	rows, err := tx.Query(ctx, claimSQL, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim %s: %w", topic, err)
	}

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: commit claim: %w", err)
	}

	return messages, nil
}

// MarkDone acknowledges a processed message.
func (c *Consumer) MarkDone(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx, `UPDATE outbox SET status = 'done' WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark done: %w", err)
	}
	return nil
}
