package workflow

import "time"

// Status is the lifecycle of a workflow request. Pending is the only state a
// fulfillment or cancellation may proceed from; once left it is never
// re-entered.
type Status string

const (
	StatusPending       Status = "pending"
	StatusFulfilled     Status = "fulfilled"
	StatusApproved      Status = "approved"
	StatusNeedsRevision Status = "needs_revision"
	StatusRejected      Status = "rejected"
	StatusCancelled     Status = "cancelled"
)

// Request mirrors the workflow_requests table.
type Request struct {
	ID               string
	Authority        string
	Type             string
	Requester        string
	DomainKey        string
	CorrelationToken string
	Params           map[string]any
	Status           Status
	CreatedAt        time.Time
	StatusUpdatedAt  time.Time
}

// Result is recorded exactly once, at fulfillment. The payload is opaque
// serialized bytes so outcome schemas can evolve without protocol changes.
type Result struct {
	RequestID            string
	CorrelationToken     string
	Outcome              Status
	Payload              []byte
	FulfillingIdentityID int64
	FulfilledAt          time.Time
}

// CreateParams carries a new request. When CorrelationToken is empty the
// engine derives one from (requester, domain key, time, sequence).
type CreateParams struct {
	Requester        string
	DomainKey        string
	CorrelationToken string
	Params           map[string]any
}

// FulfillParams carries a terminal transition attempt. Caller must equal the
// identity's verified wallet; Action labels the trace hop; Notify adds
// variant-specific fields to the published notification.
type FulfillParams struct {
	Caller     string
	IdentityID int64
	RequestID  string
	DomainKey  string
	Outcome    Status
	Action     string
	Payload    []byte
	Notify     map[string]any
}
