package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Invocation is the surface exposed to a capability provider: the business
// key, the correlation token, and the request's type-specific parameters.
type Invocation struct {
	DomainKey        string         `json:"domain_key"`
	CorrelationToken string         `json:"correlation_token"`
	Params           map[string]any `json:"params,omitempty"`
}

// ProviderOutcome is what a capability provider returns: which terminal
// variant to apply plus its variant-specific fields.
type ProviderOutcome struct {
	Variant string         `json:"variant"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Provider invokes the external capability behind a workflow type.
type Provider interface {
	Invoke(ctx context.Context, inv Invocation) (ProviderOutcome, error)
}

// CorrelationHeader carries the token to the provider so its logs remain
// joinable to the recorded trace.
const CorrelationHeader = "X-Correlation-Token"

// HTTPProvider talks to a tool server exposing a JSON-RPC-style invocation
// endpoint.
type HTTPProvider struct {
	endpoint string
	method   string
	client   *http.Client
}

func NewHTTPProvider(endpoint, method string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		method:   method,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      int64      `json:"id"`
	Method  string     `json:"method"`
	Params  Invocation `json:"params"`
}

type rpcResponse struct {
	Result *ProviderOutcome `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPProvider) Invoke(ctx context.Context, inv Invocation) (ProviderOutcome, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      time.Now().UnixNano(),
		Method:  p.method,
		Params:  inv,
	})
	if err != nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CorrelationHeader, inv.CorrelationToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: invoke provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderOutcome{}, fmt.Errorf("bridge: provider returned status %d", resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: decode provider response: %w", err)
	}
	if rpc.Error != nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: provider error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	if rpc.Result == nil {
		return ProviderOutcome{}, fmt.Errorf("bridge: provider returned no result")
	}

	return *rpc.Result, nil
}
