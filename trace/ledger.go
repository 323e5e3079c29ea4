package trace

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"attestflow/outbox"
)

// Ledger is the PostgreSQL-backed execution trace. Any engine instance may
// append; any party may read. There is no mutation or deletion path.
type Ledger struct {
	pool   *pgxpool.Pool
	notify *outbox.Writer
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool, notify: outbox.NewWriter()}
}

// Record appends one hop and enqueues the HopRecorded notification in the
// same transaction as the state change the hop describes.
func (l *Ledger) Record(ctx context.Context, tx pgx.Tx, hop Hop) error {
	if hop.CorrelationToken == "" {
		return fmt.Errorf("trace: empty correlation token")
	}
	if hop.Action == "" {
		return fmt.Errorf("trace: empty action")
	}

	const insertSQL = `
		INSERT INTO trace_hops (correlation_token, authority, identity_id, action)
		VALUES ($1, $2, $3, $4)
		RETURNING id, recorded_at
	`

	if err := tx.QueryRow(ctx, insertSQL, hop.CorrelationToken, hop.Authority, hop.IdentityID, hop.Action).
		Scan(&hop.ID, &hop.RecordedAt); err != nil {
		return fmt.Errorf("trace: insert hop: %w", err)
	}

	payload := map[string]any{
		"correlation_token": hop.CorrelationToken,
		"authority":         hop.Authority,
		"identity_id":       hop.IdentityID,
		"action":            hop.Action,
		"recorded_at":       hop.RecordedAt.UTC(),
	}
	if err := l.notify.Enqueue(ctx, tx, TopicHopRecorded, payload); err != nil {
		return err
	}

	return nil
}

// Trace returns every hop recorded for the token in insertion order.
func (l *Ledger) Trace(ctx context.Context, correlationToken string) ([]Hop, error) {
	const query = `
		SELECT id, correlation_token, authority, identity_id, action, recorded_at
		FROM trace_hops
		WHERE correlation_token = $1
		ORDER BY id ASC
	`

	rows, err := l.pool.Query(ctx, query, correlationToken)
	if err != nil {
		return nil, fmt.Errorf("trace: query hops: %w", err)
	}
	defer rows.Close()

	hops := make([]Hop, 0, 8)
	for rows.Next() {
		var h Hop
		if err := rows.Scan(&h.ID, &h.CorrelationToken, &h.Authority, &h.IdentityID, &h.Action, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("trace: scan hop: %w", err)
		}
		hops = append(hops, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trace: iterate hops: %w", err)
	}

	return hops, nil
}

// HopCount returns the number of hops recorded for the token.
func (l *Ledger) HopCount(ctx context.Context, correlationToken string) (int, error) {
	var count int
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trace_hops WHERE correlation_token = $1`, correlationToken).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("trace: count hops: %w", err)
	}
	return count, nil
}

var _ Recorder = (*Ledger)(nil)
