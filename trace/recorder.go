package trace

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Recorder appends hops inside a caller-owned transaction. Engines depend on
// this interface rather than the concrete ledger so an instance configured
// without tracing takes the no-op path with zero overhead.
type Recorder interface {
	Record(ctx context.Context, tx pgx.Tx, hop Hop) error
}

// NopRecorder silently discards hops. It stands in for a disabled ledger so
// engine code carries no conditional tracing branches.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, pgx.Tx, Hop) error {
	return nil
}
