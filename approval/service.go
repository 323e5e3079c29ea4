// Package approval instantiates the workflow engine for delegated approval
// decisions. The three outcomes are distinct named operations rather than one
// operation with an enum payload, so each gets its own notification shape
// while the authorization guard stays identical across all three.
package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"attestflow/workflow"
)

// WorkflowType is the engine's workflow type and notification topic prefix.
const WorkflowType = "approval"

// NewEngine constructs the underlying engine for this workflow type.
func NewEngine(cfg workflow.Config) (*workflow.Engine, error) {
	cfg.Type = WorkflowType
	cfg.Terminal = []workflow.Status{
		workflow.StatusApproved,
		workflow.StatusNeedsRevision,
		workflow.StatusRejected,
	}
	return workflow.NewEngine(cfg)
}

// Service wraps a workflow engine configured for approval requests.
type Service struct {
	eng *workflow.Engine
}

func NewService(eng *workflow.Engine) *Service {
	return &Service{eng: eng}
}

// CreateParams carries a new approval request. Passing the correlation token
// of a completed review chains both workflows into one auditable thread.
type CreateParams struct {
	Requester           string
	DomainKey           string
	CorrelationToken    string
	Summary             string
	CounterpartEndpoint string
}

// Create opens an approval request.
func (s *Service) Create(ctx context.Context, params CreateParams) (workflow.Request, error) {
	typeParams := map[string]any{}
	if params.Summary != "" {
		typeParams["summary"] = params.Summary
	}
	if params.CounterpartEndpoint != "" {
		typeParams["counterpart_endpoint"] = params.CounterpartEndpoint
	}

	return s.eng.CreateRequest(ctx, workflow.CreateParams{
		Requester:        params.Requester,
		DomainKey:        params.DomainKey,
		CorrelationToken: params.CorrelationToken,
		Params:           typeParams,
	})
}

// Outcome is the approval result payload. Exactly one variant's fields are
// populated, matching the recorded status.
type Outcome struct {
	Decision string   `json:"decision"`
	Note     string   `json:"note,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// DecisionParams identifies the request and the identity acting on it.
type DecisionParams struct {
	Caller     string
	IdentityID int64
	RequestID  string
	DomainKey  string
}

// Approve records the approved outcome.
func (s *Service) Approve(ctx context.Context, params DecisionParams, note string) (workflow.Result, error) {
	return s.fulfill(ctx, params, workflow.StatusApproved, "approvalApproved",
		Outcome{Decision: "approved", Note: note},
		map[string]any{"note": note},
	)
}

// NeedsRevision records the needs-revision outcome with its blockers.
func (s *Service) NeedsRevision(ctx context.Context, params DecisionParams, blockers []string) (workflow.Result, error) {
	return s.fulfill(ctx, params, workflow.StatusNeedsRevision, "approvalNeedsRevision",
		Outcome{Decision: "needs_revision", Blockers: blockers},
		map[string]any{"blockers": blockers},
	)
}

// Reject records the rejected outcome.
func (s *Service) Reject(ctx context.Context, params DecisionParams, reason string) (workflow.Result, error) {
	return s.fulfill(ctx, params, workflow.StatusRejected, "approvalRejected",
		Outcome{Decision: "rejected", Reason: reason},
		map[string]any{"reason": reason},
	)
}

func (s *Service) fulfill(ctx context.Context, params DecisionParams, outcome workflow.Status, action string, body Outcome, notify map[string]any) (workflow.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("approval: marshal outcome: %w", err)
	}

	return s.eng.Fulfill(ctx, workflow.FulfillParams{
		Caller:     params.Caller,
		IdentityID: params.IdentityID,
		RequestID:  params.RequestID,
		DomainKey:  params.DomainKey,
		Outcome:    outcome,
		Action:     action,
		Payload:    payload,
		Notify:     notify,
	})
}

// Cancel aborts a Pending approval; only the requester may cancel.
func (s *Service) Cancel(ctx context.Context, caller, requestID string) error {
	return s.eng.Cancel(ctx, caller, requestID)
}

// Get returns the stored request.
func (s *Service) Get(ctx context.Context, requestID string) (workflow.Request, error) {
	return s.eng.Request(ctx, requestID)
}

// Result returns the recorded result for a request.
func (s *Service) Result(ctx context.Context, requestID string) (workflow.Result, error) {
	return s.eng.Result(ctx, requestID)
}

// LatestOutcome returns the current approval outcome for a domain key.
func (s *Service) LatestOutcome(ctx context.Context, domainKey string) (workflow.Result, error) {
	return s.eng.LatestOutcome(ctx, domainKey)
}

// DecodeOutcome unpacks a result payload written by any of the three
// decision operations.
func DecodeOutcome(result workflow.Result) (Outcome, error) {
	var out Outcome
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		return Outcome{}, fmt.Errorf("approval: decode outcome: %w", err)
	}
	return out, nil
}
