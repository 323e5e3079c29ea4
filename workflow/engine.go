package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"attestflow/trace"
)

// Directory is the minimal surface an engine consumes from the identity
// registry. Authorization is delegated transitively: no local allow-list
// exists, so revoking or rebinding an identity in the registry immediately
// revokes its ability to fulfill here.
type Directory interface {
	VerifiedWallet(ctx context.Context, identityID int64) (string, error)
	BoundAuthority(ctx context.Context, identityID int64) (string, error)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NotificationWriter publishes durable notifications inside the transition
// transaction.
type NotificationWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine is the per-request state machine shared by every workflow type.
// The only transitions are Pending → terminal variant and Pending → Cancelled.
type Engine struct {
	authority string
	wtype     string
	terminal  map[Status]bool
	pool      TxBeginner
	repo      Repository
	directory Directory
	recorder  trace.Recorder
	notify    NotificationWriter
	tokens    TokenSource
	now       func() time.Time
}

// Config assembles an engine instance. Recorder may be nil to disable tracing;
// Tokens may be nil for the deterministic default.
type Config struct {
	Authority string
	Type      string
	Terminal  []Status
	Pool      TxBeginner
	Repo      Repository
	Directory Directory
	Recorder  trace.Recorder
	Notify    NotificationWriter
	Tokens    TokenSource
	Now       func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Authority == "" {
		return nil, fmt.Errorf("workflow: empty authority handle")
	}
	if cfg.Type == "" {
		return nil, fmt.Errorf("workflow: empty workflow type")
	}
	if len(cfg.Terminal) == 0 {
		return nil, fmt.Errorf("workflow: no terminal variants")
	}

	terminal := make(map[Status]bool, len(cfg.Terminal))
	for _, status := range cfg.Terminal {
		terminal[status] = true
	}

	eng := &Engine{
		authority: cfg.Authority,
		wtype:     cfg.Type,
		terminal:  terminal,
		pool:      cfg.Pool,
		repo:      cfg.Repo,
		directory: cfg.Directory,
		recorder:  cfg.Recorder,
		notify:    cfg.Notify,
		tokens:    cfg.Tokens,
		now:       cfg.Now,
	}
	if eng.recorder == nil {
		eng.recorder = trace.NopRecorder{}
	}
	if eng.tokens == nil {
		eng.tokens = DeterministicTokenSource{}
	}
	if eng.now == nil {
		eng.now = time.Now
	}
	return eng, nil
}

// Authority returns the handle other components use to refer to this
// engine instance, i.e. the value an identity's bound authority must equal.
func (e *Engine) Authority() string {
	return e.authority
}

// CreateRequest opens a Pending request, publishes the RequestCreated
// notification, and appends the "<type>Requested" hop, all in one
// transaction.
func (e *Engine) CreateRequest(ctx context.Context, params CreateParams) (Request, error) {
	if params.DomainKey == "" {
		return Request{}, ErrEmptyDomainKey
	}
	if params.Requester == "" {
		return Request{}, fmt.Errorf("workflow: empty requester")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seq, err := e.repo.NextSequence(ctx, tx)
	if err != nil {
		return Request{}, err
	}

	now := e.now()
	token := params.CorrelationToken
	if token == "" {
		token = e.tokens.Token(params.Requester, params.DomainKey, now, seq)
	}

	req := Request{
		ID:               DeriveRequestID(params.Requester, params.DomainKey, now, seq),
		Authority:        e.authority,
		Type:             e.wtype,
		Requester:        params.Requester,
		DomainKey:        params.DomainKey,
		CorrelationToken: token,
		Params:           params.Params,
		Status:           StatusPending,
	}

	created, err := e.repo.Insert(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if e.notify != nil {
		payload := map[string]any{
			"request_id":        created.ID,
			"requester":         created.Requester,
			"domain_key":        created.DomainKey,
			"correlation_token": created.CorrelationToken,
			"params":            created.Params,
			"created_at":        created.CreatedAt.UTC(),
		}
		if err := e.notify.Enqueue(ctx, tx, e.topic("requested"), payload); err != nil {
			return Request{}, err
		}
	}

	hop := trace.Hop{
		CorrelationToken: created.CorrelationToken,
		Authority:        e.authority,
		IdentityID:       0,
		Action:           e.wtype + "Requested",
	}
	if err := e.recorder.Record(ctx, tx, hop); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("workflow: commit create: %w", err)
	}

	return created, nil
}

// Fulfill applies a terminal transition. Every guard — known request, Pending
// status, matching domain key, verified wallet, authority binding — runs
// against row-locked state, so concurrent attempts serialize and exactly one
// succeeds. Any violation aborts with no partial write.
func (e *Engine) Fulfill(ctx context.Context, params FulfillParams) (Result, error) {
	if !e.terminal[params.Outcome] {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidOutcome, params.Outcome)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := e.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Result{}, err
	}
	if req.Status != StatusPending {
		return Result{}, fmt.Errorf("%w: status %s", ErrNotPending, req.Status)
	}
	if req.DomainKey != params.DomainKey {
		return Result{}, ErrDomainKeyMismatch
	}

	if err := e.authorizeFulfiller(ctx, params.IdentityID, params.Caller); err != nil {
		return Result{}, err
	}

	if _, err := e.repo.UpdateStatus(ctx, tx, req.ID, params.Outcome); err != nil {
		return Result{}, err
	}

	result, err := e.repo.InsertResult(ctx, tx, Result{
		RequestID:            req.ID,
		CorrelationToken:     req.CorrelationToken,
		Outcome:              params.Outcome,
		Payload:              params.Payload,
		FulfillingIdentityID: params.IdentityID,
	})
	if err != nil {
		return Result{}, err
	}

	if err := e.repo.UpsertLatest(ctx, tx, e.authority, req.DomainKey, req.ID); err != nil {
		return Result{}, err
	}

	if e.notify != nil {
		payload := map[string]any{
			"request_id":             req.ID,
			"correlation_token":      req.CorrelationToken,
			"fulfilling_identity_id": params.IdentityID,
			"fulfilled_at":           result.FulfilledAt.UTC(),
		}
		for k, v := range params.Notify {
			payload[k] = v
		}
		if err := e.notify.Enqueue(ctx, tx, e.topic(string(params.Outcome)), payload); err != nil {
			return Result{}, err
		}
	}

	hop := trace.Hop{
		CorrelationToken: req.CorrelationToken,
		Authority:        e.authority,
		IdentityID:       params.IdentityID,
		Action:           params.Action,
	}
	if err := e.recorder.Record(ctx, tx, hop); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("workflow: commit fulfill: %w", err)
	}

	return result, nil
}

// Cancel moves a Pending request to Cancelled. Only the original requester
// may cancel; no result is recorded.
func (e *Engine) Cancel(ctx context.Context, caller, requestID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := e.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Requester != caller {
		return ErrUnauthorized
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, req.Status)
	}

	if _, err := e.repo.UpdateStatus(ctx, tx, req.ID, StatusCancelled); err != nil {
		return err
	}

	if e.notify != nil {
		payload := map[string]any{"request_id": req.ID}
		if err := e.notify.Enqueue(ctx, tx, e.topic("cancelled"), payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("workflow: commit cancel: %w", err)
	}
	return nil
}

// Request returns the stored request; unknown ids surface ErrUnknownRequest.
func (e *Engine) Request(ctx context.Context, requestID string) (Request, error) {
	return e.repo.Get(ctx, requestID)
}

// Result returns the recorded result for a fulfilled request.
func (e *Engine) Result(ctx context.Context, requestID string) (Result, error) {
	return e.repo.GetResult(ctx, requestID)
}

// LatestOutcome returns the current outcome for a domain key in O(1) via the
// latest-result pointer.
func (e *Engine) LatestOutcome(ctx context.Context, domainKey string) (Result, error) {
	if domainKey == "" {
		return Result{}, ErrEmptyDomainKey
	}
	return e.repo.GetLatestResult(ctx, e.authority, domainKey)
}

// authorizeFulfiller enforces delegated authorization: the caller must be the
// identity's verified wallet, and the identity must be bound to this engine
// instance.
func (e *Engine) authorizeFulfiller(ctx context.Context, identityID int64, caller string) error {
	wallet, err := e.directory.VerifiedWallet(ctx, identityID)
	if err != nil {
		return err
	}
	if wallet == "" || wallet != caller {
		return fmt.Errorf("%w: caller is not the verified wallet", ErrUnauthorized)
	}

	authority, err := e.directory.BoundAuthority(ctx, identityID)
	if err != nil {
		return err
	}
	if authority != e.authority {
		return fmt.Errorf("%w: identity not bound to this authority", ErrUnauthorized)
	}
	return nil
}

func (e *Engine) topic(suffix string) string {
	return e.wtype + "." + suffix
}
