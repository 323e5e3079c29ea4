package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"attestflow/approval"
	"attestflow/identity"
	"attestflow/review"
	"attestflow/trace"
	"attestflow/workflow"
)

// callerHeader carries the caller principal, set by the gateway in front of
// this service. An empty header fails the service-level principal checks.
const callerHeader = "X-Caller"

type identityRegistry interface {
	Register(ctx context.Context, params identity.RegisterParams) (identity.Identity, error)
	SetVerifiedWallet(ctx context.Context, params identity.SetWalletParams) error
	SetBoundAuthority(ctx context.Context, caller string, identityID int64, authority string) error
	SetAttribute(ctx context.Context, caller string, identityID int64, key string, value []byte) error
	Transfer(ctx context.Context, caller string, identityID int64, newOwner string) error
	Get(ctx context.Context, identityID int64) (identity.Identity, error)
	Attribute(ctx context.Context, identityID int64, key string) ([]byte, error)
}

type reviewService interface {
	Create(ctx context.Context, params review.CreateParams) (workflow.Request, error)
	Fulfill(ctx context.Context, params review.FulfillParams) (workflow.Result, error)
	Cancel(ctx context.Context, caller, requestID string) error
	Get(ctx context.Context, requestID string) (workflow.Request, error)
	Result(ctx context.Context, requestID string) (workflow.Result, error)
	LatestOutcome(ctx context.Context, changeSetID string) (workflow.Result, error)
}

type approvalService interface {
	Create(ctx context.Context, params approval.CreateParams) (workflow.Request, error)
	Approve(ctx context.Context, params approval.DecisionParams, note string) (workflow.Result, error)
	NeedsRevision(ctx context.Context, params approval.DecisionParams, blockers []string) (workflow.Result, error)
	Reject(ctx context.Context, params approval.DecisionParams, reason string) (workflow.Result, error)
	Cancel(ctx context.Context, caller, requestID string) error
	Get(ctx context.Context, requestID string) (workflow.Request, error)
	LatestOutcome(ctx context.Context, domainKey string) (workflow.Result, error)
}

type traceReader interface {
	Trace(ctx context.Context, correlationToken string) ([]trace.Hop, error)
}

// Server exposes the registry, both workflow engines, and the trace ledger
// over JSON HTTP.
type Server struct {
	identities identityRegistry
	reviews    reviewService
	approvals  approvalService
	tracer     traceReader
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/identities", s.handleIdentities)
	mux.HandleFunc("/api/identities/", s.handleIdentityDetail)
	mux.HandleFunc("/api/reviews", s.handleReviews)
	mux.HandleFunc("/api/reviews/", s.handleReviewDetail)
	mux.HandleFunc("/api/approvals", s.handleApprovals)
	mux.HandleFunc("/api/approvals/", s.handleApprovalDetail)
	mux.HandleFunc("/api/trace/", s.handleTrace)
	return mux
}

type identityResponse struct {
	ID             int64  `json:"id"`
	Owner          string `json:"owner"`
	VerifiedWallet string `json:"verifiedWallet"`
	BoundAuthority string `json:"boundAuthority"`
	CardReference  string `json:"cardReference"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

func toIdentityResponse(ident identity.Identity) identityResponse {
	return identityResponse{
		ID:             ident.ID,
		Owner:          ident.Owner,
		VerifiedWallet: ident.VerifiedWallet,
		BoundAuthority: ident.BoundAuthority,
		CardReference:  ident.CardReference,
		CreatedAt:      ident.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      ident.UpdatedAt.Format(time.RFC3339),
	}
}

type requestResponse struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Authority        string `json:"authority"`
	Requester        string `json:"requester"`
	DomainKey        string `json:"domainKey"`
	CorrelationToken string `json:"correlationToken"`
	Status           string `json:"status"`
	CreatedAt        string `json:"createdAt"`
}

func toRequestResponse(req workflow.Request) requestResponse {
	return requestResponse{
		ID:               req.ID,
		Type:             req.Type,
		Authority:        req.Authority,
		Requester:        req.Requester,
		DomainKey:        req.DomainKey,
		CorrelationToken: req.CorrelationToken,
		Status:           string(req.Status),
		CreatedAt:        req.CreatedAt.Format(time.RFC3339),
	}
}

type resultResponse struct {
	RequestID            string          `json:"requestId"`
	CorrelationToken     string          `json:"correlationToken"`
	Outcome              string          `json:"outcome"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	FulfillingIdentityID int64           `json:"fulfillingIdentityId"`
	FulfilledAt          string          `json:"fulfilledAt"`
}

func toResultResponse(result workflow.Result) resultResponse {
	return resultResponse{
		RequestID:            result.RequestID,
		CorrelationToken:     result.CorrelationToken,
		Outcome:              string(result.Outcome),
		Payload:              json.RawMessage(result.Payload),
		FulfillingIdentityID: result.FulfillingIdentityID,
		FulfilledAt:          result.FulfilledAt.Format(time.RFC3339),
	}
}

type hopResponse struct {
	ID               int64  `json:"id"`
	CorrelationToken string `json:"correlationToken"`
	Authority        string `json:"authority"`
	IdentityID       int64  `json:"identityId"`
	Action           string `json:"action"`
	RecordedAt       string `json:"recordedAt"`
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		CardReference  string            `json:"cardReference"`
		BoundAuthority string            `json:"boundAuthority"`
		Attributes     map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	attrs := make(map[string][]byte, len(body.Attributes))
	for k, v := range body.Attributes {
		attrs[k] = []byte(v)
	}

	ident, err := s.identities.Register(r.Context(), identity.RegisterParams{
		Caller:         r.Header.Get(callerHeader),
		CardReference:  body.CardReference,
		BoundAuthority: body.BoundAuthority,
		Attributes:     attrs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(ident))
}

func (s *Server) handleIdentityDetail(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/identities/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing identity id", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid identity id", http.StatusBadRequest)
		return
	}
	caller := r.Header.Get(callerHeader)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		ident, err := s.identities.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toIdentityResponse(ident))

	case len(parts) == 2 && parts[1] == "wallet" && r.Method == http.MethodPost:
		var body struct {
			Wallet string    `json:"wallet"`
			Expiry time.Time `json:"expiry"`
			Proof  string    `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		err := s.identities.SetVerifiedWallet(r.Context(), identity.SetWalletParams{
			Caller:     caller,
			IdentityID: id,
			Wallet:     body.Wallet,
			Expiry:     body.Expiry,
			Proof:      body.Proof,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 2 && parts[1] == "authority" && r.Method == http.MethodPost:
		var body struct {
			Authority string `json:"authority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.identities.SetBoundAuthority(r.Context(), caller, id, body.Authority); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 2 && parts[1] == "transfer" && r.Method == http.MethodPost:
		var body struct {
			NewOwner string `json:"newOwner"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.identities.Transfer(r.Context(), caller, id, body.NewOwner); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 3 && parts[1] == "attributes" && r.Method == http.MethodPut:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.identities.SetAttribute(r.Context(), caller, id, parts[2], []byte(body.Value)); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 3 && parts[1] == "attributes" && r.Method == http.MethodGet:
		value, err := s.identities.Attribute(r.Context(), id, parts[2])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if value == nil {
			http.Error(w, "attribute not set", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": string(value)})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			ChangeSetID         string   `json:"changeSetId"`
			CorrelationToken    string   `json:"correlationToken"`
			FocusAreas          []string `json:"focusAreas"`
			CounterpartEndpoint string   `json:"counterpartEndpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req, err := s.reviews.Create(r.Context(), review.CreateParams{
			Requester:           r.Header.Get(callerHeader),
			ChangeSetID:         body.ChangeSetID,
			CorrelationToken:    body.CorrelationToken,
			FocusAreas:          body.FocusAreas,
			CounterpartEndpoint: body.CounterpartEndpoint,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestResponse(req))

	case http.MethodGet:
		changeSet := r.URL.Query().Get("changeSet")
		if changeSet == "" {
			http.Error(w, "missing changeSet", http.StatusBadRequest)
			return
		}
		result, err := s.reviews.LatestOutcome(r.Context(), changeSet)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(result))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReviewDetail(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/reviews/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	requestID := parts[0]
	caller := r.Header.Get(callerHeader)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		req, err := s.reviews.Get(r.Context(), requestID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(req))

	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodGet:
		result, err := s.reviews.Result(r.Context(), requestID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(result))

	case len(parts) == 2 && parts[1] == "fulfill" && r.Method == http.MethodPost:
		var body struct {
			IdentityID  int64  `json:"identityId"`
			ChangeSetID string `json:"changeSetId"`
			Approved    bool   `json:"approved"`
			Summary     string `json:"summary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		result, err := s.reviews.Fulfill(r.Context(), review.FulfillParams{
			Caller:      caller,
			IdentityID:  body.IdentityID,
			RequestID:   requestID,
			ChangeSetID: body.ChangeSetID,
			Approved:    body.Approved,
			Summary:     body.Summary,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(result))

	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := s.reviews.Cancel(r.Context(), caller, requestID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			DomainKey           string `json:"domainKey"`
			CorrelationToken    string `json:"correlationToken"`
			Summary             string `json:"summary"`
			CounterpartEndpoint string `json:"counterpartEndpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req, err := s.approvals.Create(r.Context(), approval.CreateParams{
			Requester:           r.Header.Get(callerHeader),
			DomainKey:           body.DomainKey,
			CorrelationToken:    body.CorrelationToken,
			Summary:             body.Summary,
			CounterpartEndpoint: body.CounterpartEndpoint,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestResponse(req))

	case http.MethodGet:
		domainKey := r.URL.Query().Get("domainKey")
		if domainKey == "" {
			http.Error(w, "missing domainKey", http.StatusBadRequest)
			return
		}
		result, err := s.approvals.LatestOutcome(r.Context(), domainKey)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(result))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleApprovalDetail(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/approvals/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	requestID := parts[0]
	caller := r.Header.Get(callerHeader)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		req, err := s.approvals.Get(r.Context(), requestID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(req))

	case len(parts) == 2 && parts[1] == "decision" && r.Method == http.MethodPost:
		var body struct {
			Decision   string   `json:"decision"`
			IdentityID int64    `json:"identityId"`
			DomainKey  string   `json:"domainKey"`
			Note       string   `json:"note"`
			Blockers   []string `json:"blockers"`
			Reason     string   `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		params := approval.DecisionParams{
			Caller:     caller,
			IdentityID: body.IdentityID,
			RequestID:  requestID,
			DomainKey:  body.DomainKey,
		}

		var result workflow.Result
		var err error
		switch body.Decision {
		case "approved":
			result, err = s.approvals.Approve(r.Context(), params, body.Note)
		case "needs_revision":
			result, err = s.approvals.NeedsRevision(r.Context(), params, body.Blockers)
		case "rejected":
			result, err = s.approvals.Reject(r.Context(), params, body.Reason)
		default:
			http.Error(w, "unknown decision", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(result))

	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := s.approvals.Cancel(r.Context(), caller, requestID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := splitPath(r.URL.Path, "/api/trace/")
	if len(parts) != 1 || parts[0] == "" {
		http.Error(w, "missing correlation token", http.StatusBadRequest)
		return
	}

	hops, err := s.tracer.Trace(r.Context(), parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]hopResponse, 0, len(hops))
	for _, h := range hops {
		items = append(items, hopResponse{
			ID:               h.ID,
			CorrelationToken: h.CorrelationToken,
			Authority:        h.Authority,
			IdentityID:       h.IdentityID,
			Action:           h.Action,
			RecordedAt:       h.RecordedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func splitPath(path, prefix string) []string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, workflow.ErrUnknownRequest),
		errors.Is(err, workflow.ErrNoResult):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, identity.ErrUnauthorized),
		errors.Is(err, workflow.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, workflow.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, identity.ErrReservedKey),
		errors.Is(err, identity.ErrEmptyPrincipal),
		errors.Is(err, identity.ErrProofInvalid),
		errors.Is(err, identity.ErrProofExpired),
		errors.Is(err, workflow.ErrDomainKeyMismatch),
		errors.Is(err, workflow.ErrEmptyDomainKey),
		errors.Is(err, workflow.ErrInvalidOutcome):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
