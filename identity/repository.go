package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the identity id was never registered.
	ErrNotFound = errors.New("identity: not found")
)

// Repository defines the data access required by the service.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, owner, wallet, authority, cardReference string) (Identity, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Identity, error)
	Get(ctx context.Context, id int64) (Identity, error)
	SetWallet(ctx context.Context, tx pgx.Tx, id int64, wallet string) error
	SetAuthority(ctx context.Context, tx pgx.Tx, id int64, authority string) error
	Transfer(ctx context.Context, tx pgx.Tx, id int64, newOwner string) error
	SetAttribute(ctx context.Context, tx pgx.Tx, id int64, key string, value []byte) error
	GetAttribute(ctx context.Context, id int64, key string) ([]byte, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, owner, wallet, authority, cardReference string) (Identity, error) {
	const insertSQL = `
		INSERT INTO agent_identities (owner, verified_wallet, bound_authority, card_reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner, verified_wallet, bound_authority, card_reference, created_at, updated_at
	`

	ident, err := scanIdentity(tx.QueryRow(ctx, insertSQL, owner, wallet, authority, cardReference))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: create: %w", err)
	}
	return ident, nil
}

// GetForUpdate locks the identity row for the duration of the transaction so
// authorization checks and the subsequent write observe the same state.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Identity, error) {
	const query = `
		SELECT id, owner, verified_wallet, bound_authority, card_reference, created_at, updated_at
		FROM agent_identities
		WHERE id = $1
		FOR UPDATE
	`

	ident, err := scanIdentity(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: get for update: %w", err)
	}
	return ident, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Identity, error) {
	const query = `
		SELECT id, owner, verified_wallet, bound_authority, card_reference, created_at, updated_at
		FROM agent_identities
		WHERE id = $1
	`

	ident, err := scanIdentity(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: get: %w", err)
	}
	return ident, nil
}

func (r *PGRepository) SetWallet(ctx context.Context, tx pgx.Tx, id int64, wallet string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE agent_identities SET verified_wallet = $1, updated_at = now() WHERE id = $2
	`, wallet, id); err != nil {
		return fmt.Errorf("identity: set wallet: %w", err)
	}
	return nil
}

func (r *PGRepository) SetAuthority(ctx context.Context, tx pgx.Tx, id int64, authority string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE agent_identities SET bound_authority = $1, updated_at = now() WHERE id = $2
	`, authority, id); err != nil {
		return fmt.Errorf("identity: set authority: %w", err)
	}
	return nil
}

// Transfer hands the identity to newOwner and clears both authorization
// fields in the same statement. No window exists where the old wallet or
// authority binding coexists with the new owner.
func (r *PGRepository) Transfer(ctx context.Context, tx pgx.Tx, id int64, newOwner string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE agent_identities
		SET owner = $1, verified_wallet = '', bound_authority = '', updated_at = now()
		WHERE id = $2
	`, newOwner, id); err != nil {
		return fmt.Errorf("identity: transfer: %w", err)
	}
	return nil
}

func (r *PGRepository) SetAttribute(ctx context.Context, tx pgx.Tx, id int64, key string, value []byte) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO identity_attributes (identity_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, key) DO UPDATE SET value = EXCLUDED.value
	`, id, key, value); err != nil {
		return fmt.Errorf("identity: set attribute %s: %w", key, err)
	}
	return nil
}

// GetAttribute returns nil for an unset key on an existing identity.
func (r *PGRepository) GetAttribute(ctx context.Context, id int64, key string) ([]byte, error) {
	var value []byte
	err := r.pool.QueryRow(ctx, `
		SELECT value FROM identity_attributes WHERE identity_id = $1 AND key = $2
	`, id, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: get attribute %s: %w", key, err)
	}
	return value, nil
}

func scanIdentity(row pgx.Row) (Identity, error) {
	var ident Identity
	err := row.Scan(
		&ident.ID,
		&ident.Owner,
		&ident.VerifiedWallet,
		&ident.BoundAuthority,
		&ident.CardReference,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	if err != nil {
		return Identity{}, err
	}
	return ident, nil
}
