package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrProofInvalid signals the wallet proof failed verification.
	ErrProofInvalid = errors.New("identity: invalid wallet proof")
	// ErrProofExpired signals the proof expiry has passed or lies outside the
	// accepted window.
	ErrProofExpired = errors.New("identity: wallet proof expired or out of window")
)

// maxProofTTL bounds how far in the future a wallet proof may expire. A proof
// valid for longer would leave a stale authorization replayable long after
// the wallet holder intended.
const maxProofTTL = 24 * time.Hour

// ProofClaims is the statement a wallet signs to consent to acting as an
// identity: (identity id, wallet, current owner, expiry).
type ProofClaims struct {
	IdentityID int64
	Wallet     string
	Owner      string
	Expiry     time.Time
}

// ProofValidator checks that proof is a valid signature over the claims by
// the incoming wallet. The default validator covers individually-controlled
// wallets; an on-behalf-of callback can replace it for jointly-controlled
// wallets whose approvals live elsewhere.
type ProofValidator interface {
	Validate(proof string, claims ProofClaims) error
}

// ValidatorFunc adapts a plain function to ProofValidator.
type ValidatorFunc func(proof string, claims ProofClaims) error

func (f ValidatorFunc) Validate(proof string, claims ProofClaims) error {
	return f(proof, claims)
}

// EdDSAValidator verifies proofs minted by SignWalletProof: an Ed25519-signed
// JWT whose verification key is the wallet handle itself (hex-encoded public
// key), so no key directory is needed.
type EdDSAValidator struct{}

func (EdDSAValidator) Validate(proof string, claims ProofClaims) error {
	pub, err := decodeWallet(claims.Wallet)
	if err != nil {
		return err
	}

	token, err := jwt.Parse(proof, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrProofExpired
		}
		return fmt.Errorf("%w: parse proof: %v", ErrProofInvalid, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ErrProofInvalid
	}

	identityID, ok := mapClaims["identity_id"].(float64)
	if !ok || int64(identityID) != claims.IdentityID {
		return fmt.Errorf("%w: identity id mismatch", ErrProofInvalid)
	}
	if wallet, ok := mapClaims["wallet"].(string); !ok || wallet != claims.Wallet {
		return fmt.Errorf("%w: wallet mismatch", ErrProofInvalid)
	}
	if owner, ok := mapClaims["owner"].(string); !ok || owner != claims.Owner {
		return fmt.Errorf("%w: owner mismatch", ErrProofInvalid)
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: missing expiry", ErrProofInvalid)
	}
	if !exp.Time.Equal(claims.Expiry.Truncate(time.Second)) {
		return fmt.Errorf("%w: expiry mismatch", ErrProofInvalid)
	}

	return nil
}

// SignWalletProof mints the proof for claims using the wallet's private key.
// The wallet handle in the claims must be the hex encoding of the matching
// public key.
func SignWalletProof(key ed25519.PrivateKey, claims ProofClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"identity_id": claims.IdentityID,
		"wallet":      claims.Wallet,
		"owner":       claims.Owner,
		"exp":         claims.Expiry.Unix(),
		"iat":         time.Now().Unix(),
	})

	proof, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("identity: sign wallet proof: %w", err)
	}
	return proof, nil
}

// WalletHandle returns the principal handle for an Ed25519 public key.
func WalletHandle(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

func decodeWallet(wallet string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(wallet)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: wallet is not an ed25519 public key handle", ErrProofInvalid)
	}
	return ed25519.PublicKey(raw), nil
}
