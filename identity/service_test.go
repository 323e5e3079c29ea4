package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	opts = append([]Option{WithClock(func() time.Time { return time.Unix(1700000000, 0) })}, opts...)
	return NewService(&fakePool{}, repo, opts...), repo
}

func TestRegister_EnrollsAtomically(t *testing.T) {
	svc, repo := newTestService(t)

	ident, err := svc.Register(context.Background(), RegisterParams{
		Caller:         "owner-1",
		CardReference:  "ipfs://card",
		BoundAuthority: "review-engine-1",
		Attributes:     map[string][]byte{"skills": []byte("code-review")},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if ident.Owner != "owner-1" || ident.VerifiedWallet != "owner-1" {
		t.Fatalf("expected caller as owner and wallet, got %+v", ident)
	}
	if ident.BoundAuthority != "review-engine-1" {
		t.Fatalf("expected authority binding, got %q", ident.BoundAuthority)
	}
	if got := repo.attrs[ident.ID]["skills"]; string(got) != "code-review" {
		t.Fatalf("attribute not stored: %q", got)
	}
}

func TestRegister_ReservedAttrRejected(t *testing.T) {
	svc, _ := newTestService(t)

	for _, key := range []string{AttrVerifiedWallet, AttrBoundAuthority} {
		_, err := svc.Register(context.Background(), RegisterParams{
			Caller:     "owner-1",
			Attributes: map[string][]byte{key: []byte("sneaky")},
		})
		if !errors.Is(err, ErrReservedKey) {
			t.Fatalf("key %s: expected ErrReservedKey, got %v", key, err)
		}
	}
}

func TestSetAttribute_ReservedAlwaysFails(t *testing.T) {
	svc, _ := newTestService(t)

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// The reserved-key guard fires before authorization, so every caller gets
	// the same failure.
	for _, caller := range []string{"owner-1", "stranger"} {
		for _, key := range []string{AttrVerifiedWallet, AttrBoundAuthority} {
			err := svc.SetAttribute(context.Background(), caller, ident.ID, key, []byte("x"))
			if !errors.Is(err, ErrReservedKey) {
				t.Fatalf("caller %s key %s: expected ErrReservedKey, got %v", caller, key, err)
			}
		}
	}
}

func TestSetBoundAuthority_OwnerOrDelegate(t *testing.T) {
	svc, repo := newTestService(t, WithDelegates("operator-1"))

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.SetBoundAuthority(context.Background(), "stranger", ident.ID, "review-engine-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}

	if err := svc.SetBoundAuthority(context.Background(), "owner-1", ident.ID, "review-engine-1"); err != nil {
		t.Fatalf("owner bind: %v", err)
	}
	if repo.identities[ident.ID].BoundAuthority != "review-engine-1" {
		t.Fatalf("authority not set")
	}

	// Delegates act with owner-equivalent rights; empty value unbinds.
	if err := svc.SetBoundAuthority(context.Background(), "operator-1", ident.ID, ""); err != nil {
		t.Fatalf("delegate unbind: %v", err)
	}
	if repo.identities[ident.ID].BoundAuthority != "" {
		t.Fatalf("authority not cleared")
	}
}

func TestTransfer_ClearsAuthorization(t *testing.T) {
	svc, repo := newTestService(t)

	ident, err := svc.Register(context.Background(), RegisterParams{
		Caller:         "owner-1",
		BoundAuthority: "review-engine-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Transfer(context.Background(), "owner-1", ident.ID, "owner-2"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	after := repo.identities[ident.ID]
	if after.Owner != "owner-2" {
		t.Fatalf("owner not transferred: %+v", after)
	}
	if after.VerifiedWallet != "" || after.BoundAuthority != "" {
		t.Fatalf("authorization survived transfer: %+v", after)
	}

	if err := svc.Transfer(context.Background(), "owner-1", ident.ID, "owner-3"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old owner must lose control, got %v", err)
	}
}

func TestTransfer_EmptyNewOwner(t *testing.T) {
	svc, _ := newTestService(t)

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Transfer(context.Background(), "owner-1", ident.ID, ""); !errors.Is(err, ErrEmptyPrincipal) {
		t.Fatalf("expected ErrEmptyPrincipal, got %v", err)
	}
}

func TestSetVerifiedWallet_ProofFlow(t *testing.T) {
	// jwt validates exp against the wall clock, so the proof window has to be
	// anchored to real time here.
	now := time.Now().Truncate(time.Second)
	svc, repo := newTestService(t, WithClock(func() time.Time { return now }))

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := WalletHandle(pub)
	expiry := now.Add(time.Hour)

	proof, err := SignWalletProof(priv, ProofClaims{
		IdentityID: ident.ID,
		Wallet:     wallet,
		Owner:      "owner-1",
		Expiry:     expiry,
	})
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}

	if err := svc.SetVerifiedWallet(context.Background(), SetWalletParams{
		Caller:     "owner-1",
		IdentityID: ident.ID,
		Wallet:     wallet,
		Expiry:     expiry,
		Proof:      proof,
	}); err != nil {
		t.Fatalf("set wallet: %v", err)
	}
	if repo.identities[ident.ID].VerifiedWallet != wallet {
		t.Fatalf("wallet not updated")
	}
}

func TestSetVerifiedWallet_RejectsBadProofs(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	svc, _ := newTestService(t, WithClock(func() time.Time { return now }))

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := WalletHandle(pub)
	expiry := now.Add(time.Hour)

	// Signed by a key that is not the incoming wallet.
	forged, err := SignWalletProof(wrongPriv, ProofClaims{
		IdentityID: ident.ID,
		Wallet:     wallet,
		Owner:      "owner-1",
		Expiry:     expiry,
	})
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	err = svc.SetVerifiedWallet(context.Background(), SetWalletParams{
		Caller: "owner-1", IdentityID: ident.ID, Wallet: wallet, Expiry: expiry, Proof: forged,
	})
	if !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid for forged proof, got %v", err)
	}

	// Expiry already passed.
	err = svc.SetVerifiedWallet(context.Background(), SetWalletParams{
		Caller: "owner-1", IdentityID: ident.ID, Wallet: wallet, Expiry: now.Add(-time.Minute), Proof: forged,
	})
	if !errors.Is(err, ErrProofExpired) {
		t.Fatalf("expected ErrProofExpired for past expiry, got %v", err)
	}

	// Expiry unreasonably far in the future.
	err = svc.SetVerifiedWallet(context.Background(), SetWalletParams{
		Caller: "owner-1", IdentityID: ident.ID, Wallet: wallet, Expiry: now.Add(48 * time.Hour), Proof: forged,
	})
	if !errors.Is(err, ErrProofExpired) {
		t.Fatalf("expected ErrProofExpired for far-future expiry, got %v", err)
	}
}

func TestSetVerifiedWallet_OnBehalfOfValidator(t *testing.T) {
	var seen ProofClaims
	validator := ValidatorFunc(func(proof string, claims ProofClaims) error {
		seen = claims
		if proof != "approved-by-custodian" {
			return ErrProofInvalid
		}
		return nil
	})

	svc, repo := newTestService(t, WithProofValidator(validator))
	now := time.Unix(1700000000, 0)

	ident, err := svc.Register(context.Background(), RegisterParams{Caller: "owner-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.SetVerifiedWallet(context.Background(), SetWalletParams{
		Caller:     "owner-1",
		IdentityID: ident.ID,
		Wallet:     "custodial-wallet",
		Expiry:     now.Add(time.Hour),
		Proof:      "approved-by-custodian",
	}); err != nil {
		t.Fatalf("set wallet via callback: %v", err)
	}

	if seen.Wallet != "custodial-wallet" || seen.Owner != "owner-1" {
		t.Fatalf("validator saw wrong claims: %+v", seen)
	}
	if repo.identities[ident.ID].VerifiedWallet != "custodial-wallet" {
		t.Fatalf("wallet not updated")
	}
}

func TestReads_UnknownIdentity(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.VerifiedWallet(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Attribute(context.Background(), 404, "skills"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---- fakes ----

type fakeRepo struct {
	nextID     int64
	identities map[int64]Identity
	attrs      map[int64]map[string][]byte
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		identities: make(map[int64]Identity),
		attrs:      make(map[int64]map[string][]byte),
	}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, owner, wallet, authority, cardReference string) (Identity, error) {
	f.nextID++
	ident := Identity{
		ID:             f.nextID,
		Owner:          owner,
		VerifiedWallet: wallet,
		BoundAuthority: authority,
		CardReference:  cardReference,
		CreatedAt:      time.Unix(1700000000, 0),
		UpdatedAt:      time.Unix(1700000000, 0),
	}
	f.identities[ident.ID] = ident
	return ident, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (Identity, error) {
	ident, ok := f.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (Identity, error) {
	ident, ok := f.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (f *fakeRepo) SetWallet(_ context.Context, _ pgx.Tx, id int64, wallet string) error {
	ident := f.identities[id]
	ident.VerifiedWallet = wallet
	f.identities[id] = ident
	return nil
}

func (f *fakeRepo) SetAuthority(_ context.Context, _ pgx.Tx, id int64, authority string) error {
	ident := f.identities[id]
	ident.BoundAuthority = authority
	f.identities[id] = ident
	return nil
}

func (f *fakeRepo) Transfer(_ context.Context, _ pgx.Tx, id int64, newOwner string) error {
	ident := f.identities[id]
	ident.Owner = newOwner
	ident.VerifiedWallet = ""
	ident.BoundAuthority = ""
	f.identities[id] = ident
	return nil
}

func (f *fakeRepo) SetAttribute(_ context.Context, _ pgx.Tx, id int64, key string, value []byte) error {
	if f.attrs[id] == nil {
		f.attrs[id] = make(map[string][]byte)
	}
	f.attrs[id][key] = value
	return nil
}

func (f *fakeRepo) GetAttribute(_ context.Context, id int64, key string) ([]byte, error) {
	return f.attrs[id][key], nil
}

type fakePool struct{}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
