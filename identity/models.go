package identity

import "time"

// Identity is the domain representation of a registered agent. It mirrors the
// agent_identities table and carries no JSON annotations so it can be reused
// by different presentation layers.
type Identity struct {
	ID             int64
	Owner          string
	VerifiedWallet string
	BoundAuthority string
	CardReference  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Reserved attribute keys. The verified wallet and bound authority live in
// typed columns and are mutated only through their dedicated operations; the
// generic attribute path rejects these keys for every caller.
const (
	AttrVerifiedWallet = "verifiedWallet"
	AttrBoundAuthority = "boundAuthority"
)

// IsReservedAttr reports whether key shadows a typed authorization field.
func IsReservedAttr(key string) bool {
	return key == AttrVerifiedWallet || key == AttrBoundAuthority
}

// RegisterParams contains the enrollment data applied in one transaction:
// identity, descriptor, capability attributes, and authorization binding
// become a single indivisible fact.
type RegisterParams struct {
	Caller         string
	CardReference  string
	BoundAuthority string
	Attributes     map[string][]byte
}

// SetWalletParams carries a wallet rebinding plus the proof that the incoming
// wallet consents to acting as this identity.
type SetWalletParams struct {
	Caller     string
	IdentityID int64
	Wallet     string
	Expiry     time.Time
	Proof      string
}
