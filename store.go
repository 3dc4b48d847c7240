package meterpay

import "context"

// Store is the persistence contract for everything the router owns:
// permits, payments, cross-chain payments, subscriptions, and call logs.
// Agents and users belong to the marketplace and are read through the
// Directory interfaces instead.
//
// Implementations must guarantee:
//   - CreatePermit marks prior active permits for the same
//     (user, token, chain) revoked, so at most one is active at a time.
//   - IncrementPermitUsage is atomic, never lowers calls_used, and flips
//     the permit to exhausted when it reaches max_calls.
//   - CreatePayment enforces a unique payment per api_call_id and returns
//     ErrPaymentExists on a duplicate.
type Store interface {
	CreatePermit(ctx context.Context, p *Permit) error
	GetPermit(ctx context.Context, id string) (*Permit, error)
	ListPermitsByUser(ctx context.Context, userAddress string) ([]*Permit, error)
	UpdatePermitStatus(ctx context.Context, id string, status PermitStatus) error
	IncrementPermitUsage(ctx context.Context, id string) (callsUsed int64, err error)

	CreateCrossChainPayment(ctx context.Context, p *CrossChainPayment) error
	UpdateCrossChainPayment(ctx context.Context, p *CrossChainPayment) error
	ListPendingCrossChainPayments(ctx context.Context) ([]*CrossChainPayment, error)

	CreatePayment(ctx context.Context, p *Payment) error

	GetSubscription(ctx context.Context, userID, agentID string) (*Subscription, error)
	UpdateSubscriptionUsage(ctx context.Context, id string, freeTrial bool) error

	LogAPICall(ctx context.Context, call *APICall) error
}

// AgentDirectory resolves agents by id. Read-only from the router's side.
type AgentDirectory interface {
	AgentByID(ctx context.Context, id string) (*Agent, error)
}

// UserDirectory resolves users by API key. Read-only from the router's side.
type UserDirectory interface {
	UserByAPIKey(ctx context.Context, apiKey string) (*User, error)
}
