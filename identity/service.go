package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrUnauthorized signals the caller is neither the owner nor a delegate.
	ErrUnauthorized = errors.New("identity: caller not authorized")
	// ErrReservedKey signals an attempt to write a typed authorization field
	// through the generic attribute path.
	ErrReservedKey = errors.New("identity: reserved attribute key")
	// ErrEmptyPrincipal signals a missing caller, owner, or wallet handle.
	ErrEmptyPrincipal = errors.New("identity: empty principal")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the authoritative registry of agent identities. It owns identity
// records exclusively; workflow engines consult it through the Directory
// interface and never mutate registry state.
type Service struct {
	pool      TxBeginner
	repo      Repository
	validator ProofValidator
	delegates map[string]bool
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDelegates grants the listed principals owner-equivalent rights on every
// identity, covering registry operators acting on behalf of owners.
func WithDelegates(principals ...string) Option {
	return func(s *Service) {
		for _, p := range principals {
			s.delegates[p] = true
		}
	}
}

// WithProofValidator replaces the default Ed25519 validator, e.g. with an
// on-behalf-of callback for jointly-controlled wallets.
func WithProofValidator(v ProofValidator) Option {
	return func(s *Service) { s.validator = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(pool TxBeginner, repo Repository, opts ...Option) *Service {
	s := &Service{
		pool:      pool,
		repo:      repo,
		validator: EdDSAValidator{},
		delegates: make(map[string]bool),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register enrolls a new identity owned by the caller. The verified wallet is
// set to the caller, and the optional authority binding and attributes land
// in the same transaction as the identity row.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Identity, error) {
	if params.Caller == "" {
		return Identity{}, ErrEmptyPrincipal
	}
	for key := range params.Attributes {
		if IsReservedAttr(key) {
			return Identity{}, fmt.Errorf("%w: %s", ErrReservedKey, key)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ident, err := s.repo.Create(ctx, tx, params.Caller, params.Caller, params.BoundAuthority, params.CardReference)
	if err != nil {
		return Identity{}, err
	}

	for key, value := range params.Attributes {
		if err := s.repo.SetAttribute(ctx, tx, ident.ID, key, value); err != nil {
			return Identity{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Identity{}, fmt.Errorf("identity: commit register: %w", err)
	}

	return ident, nil
}

// SetVerifiedWallet rebinds the identity's acting wallet. The incoming wallet
// must have signed (identity id, wallet, owner, expiry); the expiry must not
// have passed and may not lie more than maxProofTTL in the future.
func (s *Service) SetVerifiedWallet(ctx context.Context, params SetWalletParams) error {
	if params.Wallet == "" {
		return ErrEmptyPrincipal
	}

	now := s.now()
	if !params.Expiry.After(now) {
		return ErrProofExpired
	}
	if params.Expiry.After(now.Add(maxProofTTL)) {
		return ErrProofExpired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ident, err := s.authorize(ctx, tx, params.IdentityID, params.Caller)
	if err != nil {
		return err
	}

	claims := ProofClaims{
		IdentityID: ident.ID,
		Wallet:     params.Wallet,
		Owner:      ident.Owner,
		Expiry:     params.Expiry,
	}
	if err := s.validator.Validate(params.Proof, claims); err != nil {
		return err
	}

	if err := s.repo.SetWallet(ctx, tx, ident.ID, params.Wallet); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit wallet update: %w", err)
	}
	return nil
}

// SetBoundAuthority binds the identity to a single workflow engine instance.
// An empty authority unbinds.
func (s *Service) SetBoundAuthority(ctx context.Context, caller string, identityID int64, authority string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ident, err := s.authorize(ctx, tx, identityID, caller)
	if err != nil {
		return err
	}

	if err := s.repo.SetAuthority(ctx, tx, ident.ID, authority); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit authority update: %w", err)
	}
	return nil
}

// SetAttribute writes one descriptive attribute. Reserved keys are rejected
// before any authorization check so the guard holds for every caller.
func (s *Service) SetAttribute(ctx context.Context, caller string, identityID int64, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("identity: empty attribute key")
	}
	if IsReservedAttr(key) {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ident, err := s.authorize(ctx, tx, identityID, caller)
	if err != nil {
		return err
	}

	if err := s.repo.SetAttribute(ctx, tx, ident.ID, key, value); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit attribute update: %w", err)
	}
	return nil
}

// Transfer hands ownership to newOwner. The verified wallet and bound
// authority are cleared in the same statement that changes the owner:
// authorization never survives a change of control.
func (s *Service) Transfer(ctx context.Context, caller string, identityID int64, newOwner string) error {
	if newOwner == "" {
		return ErrEmptyPrincipal
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ident, err := s.authorize(ctx, tx, identityID, caller)
	if err != nil {
		return err
	}

	if err := s.repo.Transfer(ctx, tx, ident.ID, newOwner); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit transfer: %w", err)
	}
	return nil
}

// Get returns the full identity record.
func (s *Service) Get(ctx context.Context, identityID int64) (Identity, error) {
	return s.repo.Get(ctx, identityID)
}

// VerifiedWallet returns the principal currently trusted to act as the
// identity, empty if unset.
func (s *Service) VerifiedWallet(ctx context.Context, identityID int64) (string, error) {
	ident, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	return ident.VerifiedWallet, nil
}

// BoundAuthority returns the engine instance the identity may fulfill for,
// empty if unbound.
func (s *Service) BoundAuthority(ctx context.Context, identityID int64) (string, error) {
	ident, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	return ident.BoundAuthority, nil
}

// OwnerOf returns the controlling principal.
func (s *Service) OwnerOf(ctx context.Context, identityID int64) (string, error) {
	ident, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	return ident.Owner, nil
}

// Attribute returns the attribute value, nil if unset.
func (s *Service) Attribute(ctx context.Context, identityID int64, key string) ([]byte, error) {
	if _, err := s.repo.Get(ctx, identityID); err != nil {
		return nil, err
	}
	return s.repo.GetAttribute(ctx, identityID, key)
}

// authorize locks the identity row and checks the caller is its owner or a
// registry delegate.
func (s *Service) authorize(ctx context.Context, tx pgx.Tx, identityID int64, caller string) (Identity, error) {
	if caller == "" {
		return Identity{}, ErrEmptyPrincipal
	}

	ident, err := s.repo.GetForUpdate(ctx, tx, identityID)
	if err != nil {
		return Identity{}, err
	}

	if ident.Owner != caller && !s.delegates[caller] {
		return Identity{}, ErrUnauthorized
	}
	return ident, nil
}
