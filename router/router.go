package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/evm"
	"github.com/meterpay/meterpay/permits"
	"github.com/meterpay/meterpay/store"
	"github.com/meterpay/meterpay/transfer"
)

// Route label values reported to the settlement observer.
const (
	RouteSameChain  = "same_chain"
	RouteCrossChain = "cross_chain"
)

// settleTTL is how long a settled request id answers retries from cache.
const settleTTL = 10 * time.Minute

// Engine settles charges on chain.
type Engine interface {
	Execute(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

// ChainSource hands out per-chain admin clients for permit checks.
type ChainSource interface {
	Chain(ctx context.Context, chainID uint64) (permits.ContractWriter, error)
}

// PoolSource adapts an evm.Pool to the ChainSource interface.
type PoolSource struct {
	Pool *evm.Pool
}

func (s PoolSource) Chain(ctx context.Context, chainID uint64) (permits.ContractWriter, error) {
	return s.Pool.Client(ctx, chainID)
}

// Observer receives routing events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// CallRouted fires once per request with the status the caller saw.
	CallRouted(agentID string, callType meterpay.CallType, status int, d time.Duration)
	// ChargeSettled fires once per settlement attempt.
	ChargeSettled(route string, d time.Duration, err error)
}

// Request is one inbound call to route.
type Request struct {
	APIKey     string
	AgentID    string
	Method     string
	Parameters json.RawMessage

	// RequestID deduplicates settlement across retries: a request replayed
	// with the same id is forwarded again but charged at most once.
	// Assigned when empty.
	RequestID string
}

// Billing reports what the call cost and what is left.
type Billing struct {
	CallType            meterpay.CallType `json:"call_type"`
	CostUSD             float64           `json:"cost_usd"`
	FreeTrialsRemaining int64             `json:"free_trials_remaining"`
	BalanceAfterCall    float64           `json:"balance_after_call"`
}

// Meta echoes request identity back to the caller.
type Meta struct {
	RequestID string    `json:"request_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the router's answer envelope.
type Response struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Billing  Billing         `json:"billing"`
	Metadata Meta            `json:"metadata"`
}

// Router drives one metered API call end to end: authenticate, check the
// subscription, pre-authorize payment, forward to the publisher, log, settle.
type Router struct {
	store     meterpay.Store
	agents    meterpay.AgentDirectory
	users     meterpay.UserDirectory
	chains    ChainSource
	engine    Engine
	publisher Publisher
	settles   *store.SettleCache
	observer  Observer
	log       *zap.Logger
}

// Option configures the router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithObserver registers a routing event observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates a router.
func NewRouter(st meterpay.Store, agents meterpay.AgentDirectory, users meterpay.UserDirectory, source ChainSource, engine Engine, publisher Publisher, opts ...Option) *Router {
	r := &Router{
		store:     st,
		agents:    agents,
		users:     users,
		chains:    source,
		engine:    engine,
		publisher: publisher,
		settles:   store.NewSettleCache(settleTTL),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// plan is the pre-authorization outcome for one call.
type plan struct {
	callType   meterpay.CallType
	permit     *meterpay.Permit // nil for free trials and unpriced agents
	amount     *big.Int         // token base units to charge
	costMicros int64
	trialsLeft int64 // free trials remaining before this call
}

// Route runs one call end to end. The forward happens only after every
// billing precondition has passed, so a caller who cannot pay never reaches
// the publisher. The audit row is written as soon as the publisher answers,
// before settlement, and stays even when settlement then fails: failed
// transfers do not refund the call.
func (r *Router) Route(ctx context.Context, req *Request) (resp *Response, err error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := time.Now()
	var callType meterpay.CallType
	defer func() {
		status := http.StatusOK
		if err != nil {
			status = meterpay.HTTPStatus(meterpay.KindOf(err))
		}
		if r.observer != nil {
			r.observer.CallRouted(req.AgentID, callType, status, time.Since(start))
		}
	}()

	if req.Method == "" {
		return nil, meterpay.NewError(meterpay.KindInvalidRequest, "method is required")
	}

	user, err := r.authenticate(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	agent, err := r.lookupAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	sub, err := r.activeSubscription(ctx, user, agent)
	if err != nil {
		return nil, err
	}
	if err := validateParameters(agent, req.Parameters); err != nil {
		return nil, err
	}

	pl, err := r.preAuthorize(ctx, user, agent, sub)
	if err != nil {
		return nil, err
	}
	callType = pl.callType

	fwStart := time.Now()
	fw, fwErr := r.publisher.Call(ctx, agent, &PublisherCall{
		Method:     req.Method,
		Parameters: req.Parameters,
		RequestID:  req.RequestID,
	})
	fwDur := time.Since(fwStart)

	call := r.logCall(ctx, req, user, agent, sub, pl, fw, fwErr, fwDur)
	if fwErr != nil {
		return nil, fwErr
	}

	billing, err := r.settle(ctx, req, user, agent, sub, pl, call)
	if err != nil {
		return nil, err
	}

	r.log.Info("call routed",
		zap.String("request_id", req.RequestID),
		zap.String("agent_id", agent.ID),
		zap.String("user_id", user.ID),
		zap.String("call_type", string(pl.callType)),
		zap.Int("publisher_status", fw.StatusCode),
		zap.Duration("publisher_time", fwDur))
	return &Response{
		Success:  true,
		Data:     fw.Body,
		Billing:  *billing,
		Metadata: Meta{RequestID: req.RequestID, AgentID: agent.ID, Timestamp: time.Now().UTC()},
	}, nil
}

func (r *Router) authenticate(ctx context.Context, apiKey string) (*meterpay.User, error) {
	if apiKey == "" {
		return nil, meterpay.NewError(meterpay.KindUnauthorized, "missing API key")
	}
	user, err := r.users.UserByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, meterpay.ErrNotFound) {
			return nil, meterpay.NewError(meterpay.KindUnauthorized, "unknown API key")
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !user.Approved {
		return nil, meterpay.NewError(meterpay.KindUnauthorized, "user %s is not approved", user.ID)
	}
	return user, nil
}

func (r *Router) lookupAgent(ctx context.Context, id string) (*meterpay.Agent, error) {
	agent, err := r.agents.AgentByID(ctx, id)
	if err != nil {
		if errors.Is(err, meterpay.ErrNotFound) {
			return nil, meterpay.NewError(meterpay.KindAgentNotFound, "agent %s not found", id)
		}
		return nil, fmt.Errorf("look up agent: %w", err)
	}
	if !agent.Active {
		return nil, meterpay.NewError(meterpay.KindAgentNotFound, "agent %s is not active", id)
	}
	return agent, nil
}

func (r *Router) activeSubscription(ctx context.Context, user *meterpay.User, agent *meterpay.Agent) (*meterpay.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, user.ID, agent.ID)
	if err != nil {
		if errors.Is(err, meterpay.ErrNotFound) {
			return nil, meterpay.NewError(meterpay.KindSubscriptionRequired, "no subscription to agent %s", agent.ID)
		}
		return nil, fmt.Errorf("look up subscription: %w", err)
	}
	if sub.Status != meterpay.SubscriptionActive {
		return nil, meterpay.NewError(meterpay.KindSubscriptionRequired, "subscription %s is %s", sub.ID, sub.Status)
	}
	return sub, nil
}

// validateParameters checks the call parameters against the agent's declared
// input schema, when it has one.
func validateParameters(agent *meterpay.Agent, params json.RawMessage) error {
	if len(agent.InputSchema) == 0 {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(agent.InputSchema),
		gojsonschema.NewBytesLoader(params),
	)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidParameters, err, "parameters are not valid JSON")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return meterpay.NewError(meterpay.KindInvalidParameters, "parameters rejected: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// preAuthorize decides how this call is paid for. Free trials take priority
// and need no on-chain work. Paid calls pick a permit and prove on chain
// that the charge will clear before the publisher is contacted.
func (r *Router) preAuthorize(ctx context.Context, user *meterpay.User, agent *meterpay.Agent, sub *meterpay.Subscription) (*plan, error) {
	trialsLeft := agent.FreeTrialLimit - sub.FreeTrialsUsed
	if trialsLeft > 0 {
		return &plan{callType: meterpay.CallFreeTrial, trialsLeft: trialsLeft}, nil
	}

	price := agent.PriceMicros()
	if price <= 0 {
		// Unpriced agents route without settlement.
		return &plan{callType: meterpay.CallPaid}, nil
	}

	userPermits, err := r.store.ListPermitsByUser(ctx, user.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("list permits: %w", err)
	}
	best := SelectPermit(userPermits, agent, price, time.Now())
	if best == nil {
		return nil, meterpay.NewError(meterpay.KindNoValidPermits,
			"no active permit covers a %.2f USD charge for %s", agent.PricePerCallUSD, user.WalletAddress)
	}

	chain, err := r.chains.Chain(ctx, best.ChainID)
	if err != nil {
		return nil, err
	}
	amount := big.NewInt(price)
	if err := permits.EnsureSpendable(ctx, chain, best, amount); err != nil {
		// A stale permit can never become spendable; to the caller that is a
		// missing allowance.
		if meterpay.KindOf(err) == meterpay.KindPermitStale {
			return nil, meterpay.WrapError(meterpay.KindInsufficientAllowance, err,
				"permit %s was signed over an outdated nonce", best.ID)
		}
		return nil, err
	}
	return &plan{callType: meterpay.CallPaid, permit: best, amount: amount, costMicros: price}, nil
}

// logCall writes the audit row for a forwarded call. Failures are logged and
// swallowed: the publisher has already answered, and billing integrity rides
// on the payment records, not the audit log.
func (r *Router) logCall(ctx context.Context, req *Request, user *meterpay.User, agent *meterpay.Agent, sub *meterpay.Subscription, pl *plan, fw *PublisherResult, fwErr error, d time.Duration) *meterpay.APICall {
	call := &meterpay.APICall{
		ID:             uuid.NewString(),
		RequestID:      req.RequestID,
		UserID:         user.ID,
		AgentID:        agent.ID,
		SubscriptionID: sub.ID,
		Method:         req.Method,
		CallType:       pl.callType,
		Success:        fwErr == nil,
		CostMicros:     pl.costMicros,
		DurationMillis: d.Milliseconds(),
	}
	if fw != nil {
		call.StatusCode = fw.StatusCode
	}
	if fwErr != nil {
		call.ErrorMessage = fwErr.Error()
	}
	if err := r.store.LogAPICall(context.WithoutCancel(ctx), call); err != nil {
		r.log.Error("api call log write failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
	return call
}

// settle books the charge after a successful forward. Exactly one of the
// free-trial counter or the paid-call counter moves per call.
func (r *Router) settle(ctx context.Context, req *Request, user *meterpay.User, agent *meterpay.Agent, sub *meterpay.Subscription, pl *plan, call *meterpay.APICall) (*Billing, error) {
	dctx := context.WithoutCancel(ctx)

	if pl.callType == meterpay.CallFreeTrial {
		if err := r.store.UpdateSubscriptionUsage(dctx, sub.ID, true); err != nil {
			return nil, fmt.Errorf("record free trial: %w", err)
		}
		return &Billing{
			CallType:            meterpay.CallFreeTrial,
			FreeTrialsRemaining: pl.trialsLeft - 1,
		}, nil
	}

	if pl.amount == nil {
		return &Billing{CallType: meterpay.CallPaid}, nil
	}

	payment, err := r.settleOnce(ctx, req, user, agent, sub, pl, call)
	if err != nil {
		return nil, err
	}

	balance, err := r.permitBalance(dctx, payment.PermitID, agent)
	if err != nil {
		// The charge is already settled; a balance read failure only
		// degrades the response.
		r.log.Warn("permit balance read failed",
			zap.String("permit_id", payment.PermitID),
			zap.Error(err))
	}
	return &Billing{
		CallType:         meterpay.CallPaid,
		CostUSD:          meterpay.USDFromMicros(pl.costMicros),
		BalanceAfterCall: balance,
	}, nil
}

// settleOnce deduplicates settlement per request id: concurrent duplicates
// wait for the first attempt, later retries are answered from cache, and a
// failed attempt releases the slot so a retry can try again.
func (r *Router) settleOnce(ctx context.Context, req *Request, user *meterpay.User, agent *meterpay.Agent, sub *meterpay.Subscription, pl *plan, call *meterpay.APICall) (*meterpay.Payment, error) {
	for {
		state, cached, done := r.settles.CheckAndMark(req.RequestID)
		switch state {
		case store.SettleCached:
			return cached, nil
		case store.SettleInFlight:
			p, err := r.settles.Wait(ctx, req.RequestID, done)
			if err != nil {
				return nil, err
			}
			if p != nil {
				return p, nil
			}
			// The racing attempt failed; claim the slot ourselves.
		case store.SettleNew:
			payment, err := r.executeSettlement(ctx, user, agent, sub, pl, call)
			if err != nil {
				r.settles.Fail(req.RequestID, done)
				return nil, err
			}
			r.settles.Complete(req.RequestID, payment, done)
			return payment, nil
		}
	}
}

// executeSettlement moves the money and writes the books. The payment row is
// the durable at-most-once guard; the subscription counter is bookkeeping
// and never unwinds a settled charge.
func (r *Router) executeSettlement(ctx context.Context, user *meterpay.User, agent *meterpay.Agent, sub *meterpay.Subscription, pl *plan, call *meterpay.APICall) (*meterpay.Payment, error) {
	route := RouteSameChain
	if pl.permit.ChainID != agent.ChainID || !strings.EqualFold(pl.permit.TokenSymbol, agent.TokenSymbol) {
		route = RouteCrossChain
	}

	settleStart := time.Now()
	res, err := r.engine.Execute(ctx, transfer.Request{
		Permit:       pl.permit,
		Recipient:    agent.WalletAddress,
		TargetChain:  agent.ChainID,
		TargetToken:  agent.TokenSymbol,
		Amount:       pl.amount,
		FastTransfer: strings.EqualFold(agent.TransferType, "fast"),
		APICallID:    call.ID,
		AgentID:      agent.ID,
	})
	if r.observer != nil {
		r.observer.ChargeSettled(route, time.Since(settleStart), err)
	}
	if err != nil {
		r.log.Warn("settlement failed",
			zap.String("api_call_id", call.ID),
			zap.String("permit_id", pl.permit.ID),
			zap.String("route", route),
			zap.Error(err))
		return nil, err
	}

	dctx := context.WithoutCancel(ctx)
	payment := &meterpay.Payment{
		ID:          uuid.NewString(),
		APICallID:   call.ID,
		UserAddress: user.WalletAddress,
		AgentID:     agent.ID,
		PermitID:    pl.permit.ID,
		Amount:      pl.amount.String(),
		TokenSymbol: pl.permit.TokenSymbol,
		ChainID:     pl.permit.ChainID,
		TxHash:      res.TxHash,
		Status:      meterpay.PaymentCompleted,
	}
	if res.CrossChain != nil {
		payment.ChainID = res.CrossChain.TargetChainID
		payment.MessageHash = res.CrossChain.MessageHash
		payment.CrossChainPaymentID = res.CrossChain.ID
	}
	if err := r.store.CreatePayment(dctx, payment); err != nil && !errors.Is(err, meterpay.ErrPaymentExists) {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if err := r.store.UpdateSubscriptionUsage(dctx, sub.ID, false); err != nil {
		r.log.Error("paid call counter write failed",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	}
	r.log.Info("charge recorded",
		zap.String("payment_id", payment.ID),
		zap.String("api_call_id", call.ID),
		zap.String("route", route),
		zap.String("amount", payment.Amount),
		zap.String("tx", payment.TxHash))
	return payment, nil
}

func (r *Router) permitBalance(ctx context.Context, permitID string, agent *meterpay.Agent) (float64, error) {
	p, err := r.store.GetPermit(ctx, permitID)
	if err != nil {
		return 0, err
	}
	return meterpay.USDFromMicros(p.RemainingValueMicros(agent.PriceMicros())), nil
}
