package bridge

import (
	"context"
	"fmt"

	"attestflow/approval"
	"attestflow/review"
)

// ReviewFulfiller submits review outcomes as a fixed identity.
type ReviewFulfiller struct {
	svc        *review.Service
	caller     string
	identityID int64
}

func NewReviewFulfiller(svc *review.Service, caller string, identityID int64) *ReviewFulfiller {
	return &ReviewFulfiller{svc: svc, caller: caller, identityID: identityID}
}

func (f *ReviewFulfiller) Fulfill(ctx context.Context, inv Invocation, requestID string, out ProviderOutcome) error {
	if out.Variant != "fulfilled" {
		return fmt.Errorf("bridge: unexpected review variant %q", out.Variant)
	}

	approved, _ := out.Fields["approved"].(bool)
	summary, _ := out.Fields["summary"].(string)

	_, err := f.svc.Fulfill(ctx, review.FulfillParams{
		Caller:      f.caller,
		IdentityID:  f.identityID,
		RequestID:   requestID,
		ChangeSetID: inv.DomainKey,
		Approved:    approved,
		Summary:     summary,
	})
	return err
}

// ApprovalFulfiller submits approval outcomes as a fixed identity, routing
// each provider variant to its named operation.
type ApprovalFulfiller struct {
	svc        *approval.Service
	caller     string
	identityID int64
}

func NewApprovalFulfiller(svc *approval.Service, caller string, identityID int64) *ApprovalFulfiller {
	return &ApprovalFulfiller{svc: svc, caller: caller, identityID: identityID}
}

func (f *ApprovalFulfiller) Fulfill(ctx context.Context, inv Invocation, requestID string, out ProviderOutcome) error {
	params := approval.DecisionParams{
		Caller:     f.caller,
		IdentityID: f.identityID,
		RequestID:  requestID,
		DomainKey:  inv.DomainKey,
	}

	switch out.Variant {
	case "approved":
		note, _ := out.Fields["note"].(string)
		_, err := f.svc.Approve(ctx, params, note)
		return err
	case "needs_revision":
		blockers := stringSlice(out.Fields["blockers"])
		_, err := f.svc.NeedsRevision(ctx, params, blockers)
		return err
	case "rejected":
		reason, _ := out.Fields["reason"].(string)
		_, err := f.svc.Reject(ctx, params, reason)
		return err
	default:
		return fmt.Errorf("bridge: unexpected approval variant %q", out.Variant)
	}
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
