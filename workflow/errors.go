package workflow

import "errors"

// Every guard violation maps to one named category so callers can distinguish
// "already handled" from "not authorized" from "bad input". All abort the
// attempted transition with no partial state change.
var (
	// ErrUnknownRequest signals the request id was never created. Querying an
	// unknown id is an error, not a zero value.
	ErrUnknownRequest = errors.New("workflow: unknown request")
	// ErrNotPending signals the request already left Pending.
	ErrNotPending = errors.New("workflow: request not pending")
	// ErrDomainKeyMismatch signals the submitted domain key does not match the
	// stored request.
	ErrDomainKeyMismatch = errors.New("workflow: domain key mismatch")
	// ErrUnauthorized signals the wallet or authority check failed.
	ErrUnauthorized = errors.New("workflow: caller not authorized")
	// ErrEmptyDomainKey signals a request without a domain key.
	ErrEmptyDomainKey = errors.New("workflow: empty domain key")
	// ErrNoResult signals the request has no recorded result.
	ErrNoResult = errors.New("workflow: no result recorded")
	// ErrInvalidOutcome signals a terminal variant this engine does not offer.
	ErrInvalidOutcome = errors.New("workflow: invalid outcome for workflow type")
)
