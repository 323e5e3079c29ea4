package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"attestflow/outbox"
	"attestflow/workflow"
)

func TestPoll_FulfillsAndAcks(t *testing.T) {
	source := &fakeSource{messages: []outbox.Message{
		newRequestMessage("req-1", "PR-42", "token-1"),
	}}
	provider := &fakeProvider{outcome: ProviderOutcome{Variant: "fulfilled", Fields: map[string]any{"approved": true}}}
	fulfiller := &fakeFulfiller{}

	b := newTestBridge(t, source, provider, fulfiller)

	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(fulfiller.calls) != 1 {
		t.Fatalf("expected one fulfillment, got %d", len(fulfiller.calls))
	}
	call := fulfiller.calls[0]
	if call.requestID != "req-1" || call.inv.DomainKey != "PR-42" || call.inv.CorrelationToken != "token-1" {
		t.Fatalf("unexpected fulfillment call: %+v", call)
	}
	if len(source.done) != 1 || source.done[0] != "msg-req-1" {
		t.Fatalf("expected message acked, got %+v", source.done)
	}
}

func TestPoll_ProviderFailureLeavesMessagePending(t *testing.T) {
	source := &fakeSource{messages: []outbox.Message{
		newRequestMessage("req-1", "PR-1", "token-1"),
		newRequestMessage("req-2", "PR-2", "token-2"),
	}}
	provider := &fakeProvider{
		outcome: ProviderOutcome{Variant: "fulfilled"},
		failFor: map[string]error{"PR-1": errors.New("capability offline")},
	}
	fulfiller := &fakeFulfiller{}

	b := newTestBridge(t, source, provider, fulfiller)

	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The failed event is skipped, the loop continues, and only the
	// successful message is acknowledged.
	if len(fulfiller.calls) != 1 || fulfiller.calls[0].requestID != "req-2" {
		t.Fatalf("expected only req-2 fulfilled, got %+v", fulfiller.calls)
	}
	if len(source.done) != 1 || source.done[0] != "msg-req-2" {
		t.Fatalf("expected only msg-req-2 acked, got %+v", source.done)
	}
}

func TestPoll_AlreadyHandledIsAcked(t *testing.T) {
	source := &fakeSource{messages: []outbox.Message{
		newRequestMessage("req-1", "PR-42", "token-1"),
	}}
	provider := &fakeProvider{outcome: ProviderOutcome{Variant: "fulfilled"}}
	fulfiller := &fakeFulfiller{err: fmt.Errorf("submit: %w", workflow.ErrNotPending)}

	b := newTestBridge(t, source, provider, fulfiller)

	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Losing the race to another submission is a safe no-op; retrying would
	// fail forever, so the message is acknowledged.
	if len(source.done) != 1 {
		t.Fatalf("expected duplicate to be acked, got %+v", source.done)
	}
}

func TestHTTPProvider_PropagatesCorrelationToken(t *testing.T) {
	var gotHeader string
	var gotReq rpcRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(CorrelationHeader)
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"variant": "approved",
				"fields":  map[string]any{"note": "fine"},
			},
		})
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "invoke")
	out, err := provider.Invoke(context.Background(), Invocation{
		DomainKey:        "PR-42",
		CorrelationToken: "token-xyz",
		Params:           map[string]any{"summary": "change"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if gotHeader != "token-xyz" {
		t.Fatalf("correlation token not propagated, got %q", gotHeader)
	}
	if gotReq.JSONRPC != "2.0" || gotReq.Method != "invoke" || gotReq.Params.DomainKey != "PR-42" {
		t.Fatalf("unexpected rpc envelope: %+v", gotReq)
	}
	if out.Variant != "approved" || out.Fields["note"] != "fine" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHTTPProvider_SurfacesRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": -32000, "message": "model unavailable"},
		})
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "invoke")
	if _, err := provider.Invoke(context.Background(), Invocation{DomainKey: "PR-42"}); err == nil {
		t.Fatalf("expected rpc error to surface")
	}
}

func newTestBridge(t *testing.T, source MessageSource, provider Provider, fulfiller Fulfiller) *Bridge {
	t.Helper()
	b, err := New(Config{
		Source:    source,
		Provider:  provider,
		Fulfiller: fulfiller,
		Topic:     "review.requested",
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func newRequestMessage(requestID, domainKey, token string) outbox.Message {
	payload, _ := json.Marshal(map[string]any{
		"request_id":        requestID,
		"requester":         "requester-1",
		"domain_key":        domainKey,
		"correlation_token": token,
	})
	return outbox.Message{ID: "msg-" + requestID, Topic: "review.requested", Payload: payload}
}

// ---- fakes ----

type fakeSource struct {
	messages []outbox.Message
	done     []string
}

func (f *fakeSource) Claim(_ context.Context, topic string, limit int) ([]outbox.Message, error) {
	out := f.messages
	f.messages = nil
	return out, nil
}

func (f *fakeSource) MarkDone(_ context.Context, id string) error {
	f.done = append(f.done, id)
	return nil
}

type fakeProvider struct {
	outcome ProviderOutcome
	failFor map[string]error
}

func (f *fakeProvider) Invoke(_ context.Context, inv Invocation) (ProviderOutcome, error) {
	if err := f.failFor[inv.DomainKey]; err != nil {
		return ProviderOutcome{}, err
	}
	return f.outcome, nil
}

type fulfillCall struct {
	inv       Invocation
	requestID string
	out       ProviderOutcome
}

type fakeFulfiller struct {
	calls []fulfillCall
	err   error
}

func (f *fakeFulfiller) Fulfill(_ context.Context, inv Invocation, requestID string, out ProviderOutcome) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, fulfillCall{inv: inv, requestID: requestID, out: out})
	return nil
}
