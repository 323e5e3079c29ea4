package workflow

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// TokenSource produces correlation tokens for requests created without one.
// The strategy is selected by the caller at construction time.
type TokenSource interface {
	Token(requester, domainKey string, at time.Time, seq int64) string
}

// DeterministicTokenSource derives tokens as a hash of the creating call's
// inputs. Repeated calls with identical inputs at the same instant remain
// traceable to the same logical attempt; the sequence keeps distinct requests
// from colliding.
type DeterministicTokenSource struct{}

func (DeterministicTokenSource) Token(requester, domainKey string, at time.Time, seq int64) string {
	return derive("token", requester, domainKey, at, seq)
}

// RandomTokenSource mints an unrelated token per request.
type RandomTokenSource struct{}

func (RandomTokenSource) Token(string, string, time.Time, int64) string {
	return uuid.NewString()
}

// DeriveRequestID computes the collision-resistant request id from
// (requester, domain key, time, sequence). No external randomness.
func DeriveRequestID(requester, domainKey string, at time.Time, seq int64) string {
	return derive("request", requester, domainKey, at, seq)
}

func derive(kind, requester, domainKey string, at time.Time, seq int64) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", kind, requester, domainKey, at.UnixNano(), seq)
	return hex.EncodeToString(h.Sum(nil))
}
