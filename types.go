package meterpay

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// PermitStatus is the lifecycle state of a stored permit.
type PermitStatus string

const (
	PermitActive    PermitStatus = "active"
	PermitExhausted PermitStatus = "exhausted"
	PermitExpired   PermitStatus = "expired"
	PermitRevoked   PermitStatus = "revoked"
)

// CrossChainStatus is the lifecycle state of a burn-and-mint transfer.
type CrossChainStatus string

const (
	CrossChainPending  CrossChainStatus = "pending"
	CrossChainComplete CrossChainStatus = "complete"
	CrossChainFailed   CrossChainStatus = "failed"
)

// CallType distinguishes how an API call was paid for.
type CallType string

const (
	CallFreeTrial CallType = "free_trial"
	CallPaid      CallType = "paid"
)

// Signature is a secp256k1 signature stored as its (r, s, v) components.
// R and S are 0x-prefixed 32-byte hex strings; V is 27 or 28.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// Bytes returns the 65-byte wire form r‖s‖v.
func (s Signature) Bytes() ([]byte, error) {
	if s.V != 27 && s.V != 28 {
		return nil, fmt.Errorf("signature v must be 27 or 28, got %d", s.V)
	}
	r, err := hexWord(s.R)
	if err != nil {
		return nil, fmt.Errorf("signature r: %w", err)
	}
	sv, err := hexWord(s.S)
	if err != nil {
		return nil, fmt.Errorf("signature s: %w", err)
	}
	out := make([]byte, 65)
	copy(out[:32], r)
	copy(out[32:64], sv)
	out[64] = s.V
	return out, nil
}

// SignatureFromBytes splits a 65-byte r‖s‖v signature into its components.
func SignatureFromBytes(sig []byte) (Signature, error) {
	if len(sig) != 65 {
		return Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return Signature{
		R: "0x" + hex.EncodeToString(sig[:32]),
		S: "0x" + hex.EncodeToString(sig[32:64]),
		V: sig[64],
	}, nil
}

func hexWord(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

// TokenPermitSig is an optional EIP-2612 signature riding along with a
// permit. It lets the router establish the token→vault allowance without a
// transaction from the user. Its deadline is independent of the vault
// permit's.
type TokenPermitSig struct {
	Signature
	Deadline int64 `json:"deadline"`
}

// Permit is a signed spending authorization held by the router. The vault
// signature authorizes the admin account to pull up to Amount of the token
// on ChainID through the allowance vault until Deadline.
type Permit struct {
	ID             string          `json:"id"`
	UserAddress    string          `json:"user_address"`
	TokenSymbol    string          `json:"token_symbol"`
	TokenAddress   string          `json:"token_address"`
	ChainID        uint64          `json:"chain_id"`
	SpenderAddress string          `json:"spender_address"`
	Amount         string          `json:"amount"` // base units, decimal string
	Nonce          uint64          `json:"nonce"`  // vault nonce captured at signing
	Deadline       int64           `json:"deadline"`
	Signature      Signature       `json:"signature"`
	TokenPermitSig *TokenPermitSig `json:"token_permit_sig,omitempty"`
	Status         PermitStatus    `json:"status"`
	MaxCalls       int64           `json:"max_calls"`
	CallsUsed      int64           `json:"calls_used"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AmountBig parses the permit amount into base units.
func (p *Permit) AmountBig() (*big.Int, error) {
	return ParseAmount(p.Amount)
}

// RemainingCalls is the number of calls the permit can still cover.
func (p *Permit) RemainingCalls() int64 {
	if n := p.MaxCalls - p.CallsUsed; n > 0 {
		return n
	}
	return 0
}

// RemainingValueMicros is the USD value (micro-dollars) left on the permit
// at the given per-call price.
func (p *Permit) RemainingValueMicros(priceMicros int64) int64 {
	return p.RemainingCalls() * priceMicros
}

// Expired reports whether the permit deadline has passed at t.
func (p *Permit) Expired(t time.Time) bool {
	return p.Deadline <= t.Unix()
}

// PaymentStatus is the settlement state of one charge.
type PaymentStatus string

const (
	PaymentCompleted          PaymentStatus = "completed"
	PaymentPendingAttestation PaymentStatus = "pending_attestation"
	PaymentFailed             PaymentStatus = "failed"
)

// Payment records one settled charge. APICallID is unique across payments:
// settling the same call twice is a no-op.
type Payment struct {
	ID                  string        `json:"id"`
	APICallID           string        `json:"api_call_id"`
	UserAddress         string        `json:"user_address"`
	AgentID             string        `json:"agent_id"`
	PermitID            string        `json:"permit_id"`
	Amount              string        `json:"amount"` // base units
	TokenSymbol         string        `json:"token_symbol"`
	ChainID             uint64        `json:"chain_id"`
	TxHash              string        `json:"tx_hash"`
	Status              PaymentStatus `json:"status"`
	MessageHash         string        `json:"message_hash,omitempty"`
	CrossChainPaymentID string        `json:"cross_chain_payment_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// CrossChainPayment tracks a burn-and-mint transfer through its lifecycle.
// MessageBody holds the raw MessageSent log data from the burn receipt; it
// is the redeem message when the attestation service does not return one.
type CrossChainPayment struct {
	ID               string           `json:"id"`
	PermitID         string           `json:"permit_id"`
	AgentID          string           `json:"agent_id"`
	APICallID        string           `json:"api_call_id"`
	UserAddress      string           `json:"user_address"`
	RecipientAddress string           `json:"recipient_address"`
	Amount           string           `json:"amount"` // base units
	TokenSymbol      string           `json:"token_symbol"`
	SourceChainID    uint64           `json:"source_chain_id"`
	TargetChainID    uint64           `json:"target_chain_id"`
	SourceDomain     uint32           `json:"source_domain"`
	TargetDomain     uint32           `json:"target_domain"`
	BurnTxHash       string           `json:"burn_tx_hash"`
	MessageHash      string           `json:"message_hash"`
	MessageBody      string           `json:"message_body,omitempty"`
	TargetTxHash     string           `json:"target_tx_hash,omitempty"`
	Status           CrossChainStatus `json:"status"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Subscription links a user to an agent and carries the usage counters.
type Subscription struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AgentID        string    `json:"agent_id"`
	Status         string    `json:"status"` // active | canceled
	FreeTrialsUsed int64     `json:"free_trials_used"`
	TotalPaidCalls int64     `json:"total_paid_calls"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubscriptionActive is the status required for routing.
const SubscriptionActive = "active"

// Agent describes a published API this router can charge for. Agents are
// owned by the marketplace; the router reads them through a Directory.
type Agent struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	APIEndpoint     string          `json:"api_endpoint"`
	PublisherAPIKey string          `json:"publisher_api_key"`
	WalletAddress   string          `json:"wallet_address"`
	ChainID         uint64          `json:"chain_id"`     // payout chain
	TokenSymbol     string          `json:"token_symbol"` // payout token
	PricePerCallUSD float64         `json:"price_per_call_usd"`
	FreeTrialLimit  int64           `json:"free_trial_limit"`
	TransferType    string          `json:"transfer_type,omitempty"` // standard | fast
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
	Active          bool            `json:"active"`
}

// PriceMicros is the per-call price in micro-dollars.
func (a *Agent) PriceMicros() int64 {
	return MicrosFromUSD(a.PricePerCallUSD)
}

// User is a marketplace account allowed to call agents through the router.
type User struct {
	ID            string `json:"id"`
	APIKey        string `json:"api_key"`
	WalletAddress string `json:"wallet_address"`
	Approved      bool   `json:"approved"`
}

// APICall is the audit row written for every routed call, successful or not.
type APICall struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	AgentID        string    `json:"agent_id"`
	SubscriptionID string    `json:"subscription_id"`
	Method         string    `json:"method"`
	CallType       CallType  `json:"call_type"`
	StatusCode     int       `json:"status_code"`
	Success        bool      `json:"success"`
	CostMicros     int64     `json:"cost_micros"`
	DurationMillis int64     `json:"duration_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ParseAmount parses a decimal base-unit amount. Negative and malformed
// values are rejected.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// MicrosFromUSD converts a USD amount to micro-dollars. Supported
// stablecoins use six decimals and hold par, so micro-dollars equal token
// base units.
func MicrosFromUSD(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// USDFromMicros converts micro-dollars back to a USD float for responses.
func USDFromMicros(m int64) float64 {
	return float64(m) / 1e6
}

// EqualAddress compares two hex addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
