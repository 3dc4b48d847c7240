// Package attest polls the Circle attestation service for the signature that
// unlocks a burned transfer on its destination chain. The v2 endpoint is
// queried by burn transaction hash and also returns the message to redeem;
// the v1 endpoint is queried by message hash and returns the attestation
// alone.
package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
)

// SandboxURL is the attestation service for all supported testnets.
const SandboxURL = "https://iris-api-sandbox.circle.com"

const (
	defaultBudget  = 20 * time.Minute
	defaultPollV2  = 5 * time.Second
	defaultPollV1  = 2 * time.Second
	defaultTimeout = 30 * time.Second

	statusComplete = "complete"
)

// Config configures the attestation client.
type Config struct {
	// BaseURL is the attestation service root (optional, defaults to the
	// sandbox).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout bounds a single poll request (optional, defaults to 30s).
	Timeout time.Duration

	// Budget bounds the whole wait (optional, defaults to 20m).
	Budget time.Duration

	// PollV2 and PollV1 set the poll cadence per endpoint (optional).
	PollV2 time.Duration
	PollV1 time.Duration

	// OnPoll observes each poll outcome: "pending", "complete" or "error"
	// (optional).
	OnPoll func(result string)

	// Logger for poll progress (optional).
	Logger *zap.Logger
}

// Client polls the attestation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	budget     time.Duration
	pollV2     time.Duration
	pollV1     time.Duration
	onPoll     func(result string)
	log        *zap.Logger
}

// NewClient creates an attestation client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	budget := cfg.Budget
	if budget == 0 {
		budget = defaultBudget
	}
	pollV2 := cfg.PollV2
	if pollV2 == 0 {
		pollV2 = defaultPollV2
	}
	pollV1 := cfg.PollV1
	if pollV1 == 0 {
		pollV1 = defaultPollV1
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		budget:     budget,
		pollV2:     pollV2,
		pollV1:     pollV1,
		onPoll:     cfg.OnPoll,
		log:        log,
	}
}

func (c *Client) observePoll(result string) {
	if c.onPoll != nil {
		c.onPoll(result)
	}
}

// Request identifies the transfer to wait for. BurnTxHash selects the v2
// endpoint; when only MessageHash is set the v1 endpoint is used.
type Request struct {
	SourceDomain uint32
	BurnTxHash   string
	MessageHash  string
}

// Attestation is a ready-to-redeem attestation. Message is nil when the
// service did not return one (v1); callers then redeem with the message
// captured from the burn receipt.
type Attestation struct {
	Message     []byte
	Attestation []byte
}

// Wait polls until the attestation is ready or the budget runs out.
func (c *Client) Wait(ctx context.Context, req Request) (*Attestation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var (
		fetch    func(context.Context) (*Attestation, bool, error)
		interval time.Duration
	)
	switch {
	case req.BurnTxHash != "":
		fetch = func(ctx context.Context) (*Attestation, bool, error) {
			return c.fetchV2(ctx, req.SourceDomain, req.BurnTxHash)
		}
		interval = c.pollV2
	case req.MessageHash != "":
		fetch = func(ctx context.Context) (*Attestation, bool, error) {
			return c.fetchV1(ctx, req.MessageHash)
		}
		interval = c.pollV1
	default:
		return nil, meterpay.NewError(meterpay.KindInvalidParameters, "attestation request needs a burn tx hash or message hash")
	}

	started := time.Now()
	for attempt := 1; ; attempt++ {
		att, ready, err := fetch(ctx)
		if err != nil {
			// A 404 keeps the poll alive; every other failure is terminal.
			c.observePoll("error")
			c.log.Warn("attestation poll failed",
				zap.Int("attempt", attempt),
				zap.String("burn_tx", req.BurnTxHash),
				zap.Error(err))
			return nil, meterpay.WrapError(meterpay.KindAttestationFailed, err,
				"attestation fetch failed after %d attempts", attempt)
		}
		if ready {
			c.observePoll("complete")
			c.log.Info("attestation ready",
				zap.Int("attempts", attempt),
				zap.Duration("waited", time.Since(started)),
				zap.String("burn_tx", req.BurnTxHash))
			return att, nil
		}
		c.observePoll("pending")

		select {
		case <-ctx.Done():
			// Wrap the context error so callers can tell a cancelled caller
			// (leave the transfer pending) from an exhausted budget.
			return nil, meterpay.WrapError(meterpay.KindAttestationFailed, ctx.Err(),
				"attestation not ready after %s (%d attempts)", time.Since(started).Round(time.Second), attempt)
		case <-time.After(interval):
		}
	}
}

type v2Response struct {
	Messages []struct {
		Attestation string `json:"attestation"`
		Message     string `json:"message"`
		Status      string `json:"status"`
	} `json:"messages"`
}

// fetchV2 queries GET /v2/messages/{domain}?transactionHash={tx}. A 404
// means the message is not indexed yet.
func (c *Client) fetchV2(ctx context.Context, domain uint32, burnTx string) (*Attestation, bool, error) {
	endpoint := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, domain, url.QueryEscape(burnTx))
	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status != http.StatusOK {
		return nil, false, fmt.Errorf("attestation service returned %d: %s", status, string(body))
	}

	var resp v2Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("decode attestation response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, false, nil
	}
	msg := resp.Messages[0]
	if msg.Status != statusComplete || !attested(msg.Attestation) {
		return nil, false, nil
	}

	attBytes, err := hexutil.Decode(msg.Attestation)
	if err != nil {
		return nil, false, fmt.Errorf("malformed attestation %q: %w", msg.Attestation, err)
	}
	var msgBytes []byte
	if msg.Message != "" {
		msgBytes, err = hexutil.Decode(msg.Message)
		if err != nil {
			return nil, false, fmt.Errorf("malformed message %q: %w", msg.Message, err)
		}
	}
	return &Attestation{Message: msgBytes, Attestation: attBytes}, true, nil
}

type v1Response struct {
	Attestation string `json:"attestation"`
	Status      string `json:"status"`
}

// fetchV1 queries GET /attestations/{messageHash}.
func (c *Client) fetchV1(ctx context.Context, messageHash string) (*Attestation, bool, error) {
	endpoint := fmt.Sprintf("%s/attestations/%s", c.baseURL, url.PathEscape(messageHash))
	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status != http.StatusOK {
		return nil, false, fmt.Errorf("attestation service returned %d: %s", status, string(body))
	}

	var resp v1Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("decode attestation response: %w", err)
	}
	if resp.Status != statusComplete || !attested(resp.Attestation) {
		return nil, false, nil
	}
	attBytes, err := hexutil.Decode(resp.Attestation)
	if err != nil {
		return nil, false, fmt.Errorf("malformed attestation %q: %w", resp.Attestation, err)
	}
	return &Attestation{Attestation: attBytes}, true, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create attestation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("attestation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read attestation response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// attested filters the placeholder values the service returns while the
// signature quorum is still forming.
func attested(s string) bool {
	return s != "" && !strings.EqualFold(s, "PENDING")
}
