package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the engine.
type Repository interface {
	NextSequence(ctx context.Context, tx pgx.Tx) (int64, error)
	Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error)
	Get(ctx context.Context, requestID string) (Request, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, requestID string, status Status) (time.Time, error)
	InsertResult(ctx context.Context, tx pgx.Tx, result Result) (Result, error)
	UpsertLatest(ctx context.Context, tx pgx.Tx, authority, domainKey, requestID string) error
	GetResult(ctx context.Context, requestID string) (Result, error)
	GetLatestResult(ctx context.Context, authority, domainKey string) (Result, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// NextSequence consumes the shared request sequence inside the creating
// transaction.
func (r *PGRepository) NextSequence(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('workflow_request_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("workflow: next sequence: %w", err)
	}
	return seq, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return Request{}, fmt.Errorf("workflow: marshal params: %w", err)
	}

	const insertSQL = `
		INSERT INTO workflow_requests (id, authority, workflow_type, requester, domain_key, correlation_token, params, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		RETURNING created_at, status_updated_at
	`

	if err := tx.QueryRow(ctx, insertSQL,
		req.ID, req.Authority, req.Type, req.Requester, req.DomainKey, req.CorrelationToken, params, req.Status,
	).Scan(&req.CreatedAt, &req.StatusUpdatedAt); err != nil {
		return Request{}, fmt.Errorf("workflow: insert request: %w", err)
	}

	return req, nil
}

// GetForUpdate locks the request row so the status guard and the transition
// write observe the same state. Two concurrent fulfillment attempts serialize
// here; exactly one sees Pending.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, selectRequestSQL+` WHERE id = $1 FOR UPDATE`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrUnknownRequest
		}
		return Request{}, fmt.Errorf("workflow: get request for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Get(ctx context.Context, requestID string) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, selectRequestSQL+` WHERE id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrUnknownRequest
		}
		return Request{}, fmt.Errorf("workflow: get request: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, requestID string, status Status) (time.Time, error) {
	var updatedAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE workflow_requests
		SET status = $1, status_updated_at = now()
		WHERE id = $2
		RETURNING status_updated_at
	`, status, requestID).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("workflow: update status: %w", err)
	}
	return updatedAt, nil
}

func (r *PGRepository) InsertResult(ctx context.Context, tx pgx.Tx, result Result) (Result, error) {
	const insertSQL = `
		INSERT INTO workflow_results (request_id, correlation_token, outcome, payload, fulfilling_identity_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING fulfilled_at
	`

	if err := tx.QueryRow(ctx, insertSQL,
		result.RequestID, result.CorrelationToken, result.Outcome, result.Payload, result.FulfillingIdentityID,
	).Scan(&result.FulfilledAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A concurrent fulfillment already recorded the single result.
			return Result{}, fmt.Errorf("%w: result already recorded", ErrNotPending)
		}
		return Result{}, fmt.Errorf("workflow: insert result: %w", err)
	}

	return result, nil
}

func (r *PGRepository) UpsertLatest(ctx context.Context, tx pgx.Tx, authority, domainKey, requestID string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_latest (authority, domain_key, request_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (authority, domain_key) DO UPDATE SET request_id = EXCLUDED.request_id
	`, authority, domainKey, requestID); err != nil {
		return fmt.Errorf("workflow: upsert latest: %w", err)
	}
	return nil
}

func (r *PGRepository) GetResult(ctx context.Context, requestID string) (Result, error) {
	result, err := scanResult(r.pool.QueryRow(ctx, selectResultSQL+` WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrNoResult
		}
		return Result{}, fmt.Errorf("workflow: get result: %w", err)
	}
	return result, nil
}

// GetLatestResult resolves the latest-outcome pointer for a domain key
// without scanning requests.
func (r *PGRepository) GetLatestResult(ctx context.Context, authority, domainKey string) (Result, error) {
	const query = selectResultSQL + `
		JOIN workflow_latest l ON l.request_id = workflow_results.request_id
		WHERE l.authority = $1 AND l.domain_key = $2
	`

	result, err := scanResult(r.pool.QueryRow(ctx, query, authority, domainKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrNoResult
		}
		return Result{}, fmt.Errorf("workflow: get latest result: %w", err)
	}
	return result, nil
}

const selectRequestSQL = `
	SELECT id, authority, workflow_type, requester, domain_key, correlation_token, params, status, created_at, status_updated_at
	FROM workflow_requests
`

const selectResultSQL = `
	SELECT workflow_results.request_id, workflow_results.correlation_token, workflow_results.outcome,
	       workflow_results.payload, workflow_results.fulfilling_identity_id, workflow_results.fulfilled_at
	FROM workflow_results
`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req    Request
		params []byte
	)
	err := row.Scan(
		&req.ID,
		&req.Authority,
		&req.Type,
		&req.Requester,
		&req.DomainKey,
		&req.CorrelationToken,
		&params,
		&req.Status,
		&req.CreatedAt,
		&req.StatusUpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &req.Params); err != nil {
			return Request{}, fmt.Errorf("workflow: unmarshal params: %w", err)
		}
	}
	return req, nil
}

func scanResult(row pgx.Row) (Result, error) {
	var result Result
	err := row.Scan(
		&result.RequestID,
		&result.CorrelationToken,
		&result.Outcome,
		&result.Payload,
		&result.FulfillingIdentityID,
		&result.FulfilledAt,
	)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
