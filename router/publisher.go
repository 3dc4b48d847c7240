package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meterpay/meterpay"
)

// DefaultPublisherTimeout bounds one forwarded call end to end.
const DefaultPublisherTimeout = 13 * time.Second

// PublisherCall is the payload forwarded to an agent's endpoint.
type PublisherCall struct {
	Method     string
	Parameters json.RawMessage
	RequestID  string
}

// PublisherResult is the downstream response. StatusCode is set whenever the
// publisher answered at all, including non-2xx answers.
type PublisherResult struct {
	StatusCode int
	Body       json.RawMessage
}

// Publisher forwards calls to agent endpoints.
type Publisher interface {
	Call(ctx context.Context, agent *meterpay.Agent, call *PublisherCall) (*PublisherResult, error)
}

// PublisherConfig configures the HTTP publisher client.
type PublisherConfig struct {
	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for forwarded calls (optional, defaults to 13s).
	Timeout time.Duration
}

// HTTPPublisher forwards calls to publisher endpoints over HTTP, presenting
// the agent's publisher API key as a bearer token.
type HTTPPublisher struct {
	httpClient *http.Client
}

// NewHTTPPublisher creates a publisher client.
func NewHTTPPublisher(config *PublisherConfig) *HTTPPublisher {
	if config == nil {
		config = &PublisherConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultPublisherTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPPublisher{httpClient: httpClient}
}

// Call POSTs the method and parameters to the agent's endpoint. A non-2xx
// answer returns both the result and an api_call_failed error, so the caller
// can log the downstream status it saw.
func (c *HTTPPublisher) Call(ctx context.Context, agent *meterpay.Agent, call *PublisherCall) (*PublisherResult, error) {
	requestBody := map[string]interface{}{
		"method":     call.Method,
		"parameters": parametersOrEmpty(call.Parameters),
		"metadata": map[string]interface{}{
			"router_version": meterpay.Version,
			"agent_id":       agent.ID,
			"request_id":     call.RequestID,
		},
	}

	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal publisher request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", agent.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+agent.PublisherAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindAPICallFailed, err, "publisher %s unreachable", agent.ID)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindAPICallFailed, err, "failed to read publisher response")
	}

	result := &PublisherResult{
		StatusCode: resp.StatusCode,
		Body:       normalizeBody(responseBody),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, meterpay.NewError(meterpay.KindAPICallFailed,
			"publisher returned %d: %s", resp.StatusCode, string(responseBody))
	}
	return result, nil
}

func parametersOrEmpty(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{}`)
	}
	return params
}

// normalizeBody keeps a JSON response as is and quotes anything else, so the
// router can always embed the publisher's answer in its own JSON envelope.
func normalizeBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return trimmed
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return quoted
}
