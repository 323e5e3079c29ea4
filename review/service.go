// Package review instantiates the workflow engine for delegated code review:
// one terminal variant carrying an embedded recommendation.
package review

import (
	"context"
	"encoding/json"
	"fmt"

	"attestflow/workflow"
)

// WorkflowType is the engine's workflow type and notification topic prefix.
const WorkflowType = "review"

// NewEngine constructs the underlying engine for this workflow type.
func NewEngine(cfg workflow.Config) (*workflow.Engine, error) {
	cfg.Type = WorkflowType
	cfg.Terminal = []workflow.Status{workflow.StatusFulfilled}
	return workflow.NewEngine(cfg)
}

// Service wraps a workflow engine configured for review requests.
type Service struct {
	eng *workflow.Engine
}

func NewService(eng *workflow.Engine) *Service {
	return &Service{eng: eng}
}

// CreateParams carries a new review request. ChangeSetID is the domain key,
// e.g. a pull-request identifier.
type CreateParams struct {
	Requester           string
	ChangeSetID         string
	CorrelationToken    string
	FocusAreas          []string
	CounterpartEndpoint string
}

// Create opens a review request and returns it, correlation token included.
func (s *Service) Create(ctx context.Context, params CreateParams) (workflow.Request, error) {
	typeParams := map[string]any{}
	if len(params.FocusAreas) > 0 {
		typeParams["focus_areas"] = params.FocusAreas
	}
	if params.CounterpartEndpoint != "" {
		typeParams["counterpart_endpoint"] = params.CounterpartEndpoint
	}

	return s.eng.CreateRequest(ctx, workflow.CreateParams{
		Requester:        params.Requester,
		DomainKey:        params.ChangeSetID,
		CorrelationToken: params.CorrelationToken,
		Params:           typeParams,
	})
}

// Outcome is the review result payload.
type Outcome struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary,omitempty"`
}

// FulfillParams carries a review submission by an authorized identity.
type FulfillParams struct {
	Caller      string
	IdentityID  int64
	RequestID   string
	ChangeSetID string
	Approved    bool
	Summary     string
}

// Fulfill records the review outcome. Authorization, status, and domain-key
// guards run in the shared engine.
func (s *Service) Fulfill(ctx context.Context, params FulfillParams) (workflow.Result, error) {
	payload, err := json.Marshal(Outcome{Approved: params.Approved, Summary: params.Summary})
	if err != nil {
		return workflow.Result{}, fmt.Errorf("review: marshal outcome: %w", err)
	}

	return s.eng.Fulfill(ctx, workflow.FulfillParams{
		Caller:     params.Caller,
		IdentityID: params.IdentityID,
		RequestID:  params.RequestID,
		DomainKey:  params.ChangeSetID,
		Outcome:    workflow.StatusFulfilled,
		Action:     "reviewFulfilled",
		Payload:    payload,
		Notify: map[string]any{
			"approved": params.Approved,
		},
	})
}

// Cancel aborts a Pending review; only the requester may cancel.
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

// LatestOutcome returns the current review outcome for a change set.
func (s *Service) LatestOutcome(ctx context.Context, changeSetID string) (workflow.Result, error) {
	return s.eng.LatestOutcome(ctx, changeSetID)
}

// DecodeOutcome unpacks a result payload written by Fulfill.
func DecodeOutcome(result workflow.Result) (Outcome, error) {
	var out Outcome
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		return Outcome{}, fmt.Errorf("review: decode outcome: %w", err)
	}
	return out, nil
}
