// Package store provides the persistence backends for permits, payments,
// cross-chain transfers and usage accounting. Memory is the canonical
// implementation; File adds a JSON snapshot on top of it and Redis maps the
// same semantics onto a shared keyspace.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterpay/meterpay"
)

// Memory is an in-process Store backed by maps. All methods are safe for
// concurrent use. Reads return copies, so callers can mutate results freely.
type Memory struct {
	mu             sync.Mutex
	permits        map[string]*meterpay.Permit
	payments       map[string]*meterpay.Payment
	paymentsByCall map[string]string
	crossChain     map[string]*meterpay.CrossChainPayment
	subs           map[string]*meterpay.Subscription
	subsByPair     map[string]string
	calls          []*meterpay.APICall
	agents         map[string]*meterpay.Agent
	usersByKey     map[string]*meterpay.User
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		permits:        make(map[string]*meterpay.Permit),
		payments:       make(map[string]*meterpay.Payment),
		paymentsByCall: make(map[string]string),
		crossChain:     make(map[string]*meterpay.CrossChainPayment),
		subs:           make(map[string]*meterpay.Subscription),
		subsByPair:     make(map[string]string),
		agents:         make(map[string]*meterpay.Agent),
		usersByKey:     make(map[string]*meterpay.User),
	}
}

var _ meterpay.Store = (*Memory)(nil)

func (m *Memory) CreatePermit(_ context.Context, p *meterpay.Permit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	// A new permit supersedes any active one for the same spending lane.
	for _, existing := range m.permits {
		if existing.Status != meterpay.PermitActive {
			continue
		}
		if meterpay.EqualAddress(existing.UserAddress, p.UserAddress) &&
			existing.ChainID == p.ChainID &&
			meterpay.EqualAddress(existing.TokenAddress, p.TokenAddress) {
			existing.Status = meterpay.PermitRevoked
			existing.UpdatedAt = now
		}
	}

	cp := clonePermit(p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.permits[cp.ID] = cp
	p.CreatedAt = cp.CreatedAt
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) GetPermit(_ context.Context, id string) (*meterpay.Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permits[id]
	if !ok {
		return nil, meterpay.ErrNotFound
	}
	return clonePermit(p), nil
}

func (m *Memory) ListPermitsByUser(_ context.Context, userAddress string) ([]*meterpay.Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*meterpay.Permit
	for _, p := range m.permits {
		if meterpay.EqualAddress(p.UserAddress, userAddress) {
			out = append(out, clonePermit(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdatePermitStatus(_ context.Context, id string, status meterpay.PermitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permits[id]
	if !ok {
		return meterpay.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) IncrementPermitUsage(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permits[id]
	if !ok {
		return 0, meterpay.ErrNotFound
	}
	p.CallsUsed++
	if p.CallsUsed >= p.MaxCalls && p.Status == meterpay.PermitActive {
		p.Status = meterpay.PermitExhausted
	}
	p.UpdatedAt = time.Now().UTC()
	return p.CallsUsed, nil
}

func (m *Memory) CreateCrossChainPayment(_ context.Context, ccp *meterpay.CrossChainPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := cloneCrossChain(ccp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.crossChain[cp.ID] = cp
	ccp.CreatedAt = cp.CreatedAt
	ccp.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) UpdateCrossChainPayment(_ context.Context, ccp *meterpay.CrossChainPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.crossChain[ccp.ID]; !ok {
		return meterpay.ErrNotFound
	}
	cp := cloneCrossChain(ccp)
	cp.UpdatedAt = time.Now().UTC()
	m.crossChain[cp.ID] = cp
	ccp.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) ListPendingCrossChainPayments(_ context.Context) ([]*meterpay.CrossChainPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*meterpay.CrossChainPayment
	for _, cp := range m.crossChain {
		if cp.Status == meterpay.CrossChainPending {
			out = append(out, cloneCrossChain(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreatePayment(_ context.Context, p *meterpay.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paymentsByCall[p.APICallID]; ok {
		return meterpay.ErrPaymentExists
	}
	cp := clonePayment(p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.payments[cp.ID] = cp
	m.paymentsByCall[cp.APICallID] = cp.ID
	p.CreatedAt = cp.CreatedAt
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, userID, agentID string) (*meterpay.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.subsByPair[userID+"/"+agentID]
	if !ok {
		return nil, meterpay.ErrNotFound
	}
	return cloneSubscription(m.subs[id]), nil
}

func (m *Memory) UpdateSubscriptionUsage(_ context.Context, id string, freeTrial bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return meterpay.ErrNotFound
	}
	if freeTrial {
		s.FreeTrialsUsed++
	} else {
		s.TotalPaidCalls++
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) LogAPICall(_ context.Context, call *meterpay.APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneAPICall(call)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.calls = append(m.calls, cp)
	call.CreatedAt = cp.CreatedAt
	return nil
}

// PutSubscription inserts or replaces a subscription row.
func (m *Memory) PutSubscription(s *meterpay.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneSubscription(s)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.subs[cp.ID] = cp
	m.subsByPair[cp.UserID+"/"+cp.AgentID] = cp.ID
}

// PutAgent registers an agent in the directory.
func (m *Memory) PutAgent(a *meterpay.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = cloneAgent(a)
}

// PutUser registers a user keyed by its API key.
func (m *Memory) PutUser(u *meterpay.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usersByKey[u.APIKey] = cloneUser(u)
}

// AgentByID implements meterpay.AgentDirectory.
func (m *Memory) AgentByID(_ context.Context, id string) (*meterpay.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, meterpay.ErrNotFound
	}
	return cloneAgent(a), nil
}

// UserByAPIKey implements meterpay.UserDirectory.
func (m *Memory) UserByAPIKey(_ context.Context, key string) (*meterpay.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByKey[key]
	if !ok {
		return nil, meterpay.ErrNotFound
	}
	return cloneUser(u), nil
}

// Payments returns a copy of all payment rows, oldest first.
func (m *Memory) Payments() []*meterpay.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*meterpay.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// APICalls returns a copy of the audit log, oldest first.
func (m *Memory) APICalls() []*meterpay.APICall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*meterpay.APICall, len(m.calls))
	for i, c := range m.calls {
		out[i] = cloneAPICall(c)
	}
	return out
}

// snapshot captures the full store contents for persistence.
func (m *Memory) snapshot() *fileState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &fileState{}
	for _, p := range m.permits {
		st.Permits = append(st.Permits, clonePermit(p))
	}
	for _, p := range m.payments {
		st.Payments = append(st.Payments, clonePayment(p))
	}
	for _, c := range m.crossChain {
		st.CrossChain = append(st.CrossChain, cloneCrossChain(c))
	}
	for _, s := range m.subs {
		st.Subscriptions = append(st.Subscriptions, cloneSubscription(s))
	}
	for _, c := range m.calls {
		st.Calls = append(st.Calls, cloneAPICall(c))
	}
	for _, a := range m.agents {
		st.Agents = append(st.Agents, cloneAgent(a))
	}
	for _, u := range m.usersByKey {
		st.Users = append(st.Users, cloneUser(u))
	}
	sort.Slice(st.Permits, func(i, j int) bool { return st.Permits[i].ID < st.Permits[j].ID })
	sort.Slice(st.Payments, func(i, j int) bool { return st.Payments[i].ID < st.Payments[j].ID })
	sort.Slice(st.CrossChain, func(i, j int) bool { return st.CrossChain[i].ID < st.CrossChain[j].ID })
	sort.Slice(st.Subscriptions, func(i, j int) bool { return st.Subscriptions[i].ID < st.Subscriptions[j].ID })
	sort.Slice(st.Agents, func(i, j int) bool { return st.Agents[i].ID < st.Agents[j].ID })
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })
	return st
}

// restore replaces the store contents with a loaded snapshot.
func (m *Memory) restore(st *fileState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range st.Permits {
		m.permits[p.ID] = clonePermit(p)
	}
	for _, p := range st.Payments {
		m.payments[p.ID] = clonePayment(p)
		m.paymentsByCall[p.APICallID] = p.ID
	}
	for _, c := range st.CrossChain {
		m.crossChain[c.ID] = cloneCrossChain(c)
	}
	for _, s := range st.Subscriptions {
		m.subs[s.ID] = cloneSubscription(s)
		m.subsByPair[s.UserID+"/"+s.AgentID] = s.ID
	}
	for _, c := range st.Calls {
		m.calls = append(m.calls, cloneAPICall(c))
	}
	for _, a := range st.Agents {
		m.agents[a.ID] = cloneAgent(a)
	}
	for _, u := range st.Users {
		m.usersByKey[u.APIKey] = cloneUser(u)
	}
}

func clonePermit(p *meterpay.Permit) *meterpay.Permit {
	cp := *p
	if p.TokenPermitSig != nil {
		sig := *p.TokenPermitSig
		cp.TokenPermitSig = &sig
	}
	return &cp
}

func clonePayment(p *meterpay.Payment) *meterpay.Payment {
	cp := *p
	return &cp
}

func cloneCrossChain(c *meterpay.CrossChainPayment) *meterpay.CrossChainPayment {
	cp := *c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneSubscription(s *meterpay.Subscription) *meterpay.Subscription {
	cp := *s
	return &cp
}

func cloneAgent(a *meterpay.Agent) *meterpay.Agent {
	cp := *a
	if a.InputSchema != nil {
		cp.InputSchema = append([]byte(nil), a.InputSchema...)
	}
	return &cp
}

func cloneUser(u *meterpay.User) *meterpay.User {
	cp := *u
	return &cp
}

func cloneAPICall(c *meterpay.APICall) *meterpay.APICall {
	cp := *c
	return &cp
}
