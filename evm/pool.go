package evm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meterpay/meterpay/chains"
)

// Pool hands out one Client per chain, dialing lazily and caching the
// connection. All clients share the admin account.
type Pool struct {
	registry *chains.Registry
	admin    *Admin
	log      *zap.Logger
	opts     []Option

	mu      sync.Mutex
	clients map[uint64]*Client
}

// NewPool creates a pool over the registry's chains.
func NewPool(registry *chains.Registry, admin *Admin, log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		registry: registry,
		admin:    admin,
		log:      log,
		opts:     opts,
		clients:  make(map[uint64]*Client),
	}
}

// Client returns the client for a chain, dialing it on first use.
func (p *Pool) Client(ctx context.Context, chainID uint64) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[chainID]; ok {
		return c, nil
	}
	chain, err := p.registry.Chain(chainID)
	if err != nil {
		return nil, err
	}
	opts := append([]Option{WithLogger(p.log.With(zap.Uint64("chain_id", chainID)))}, p.opts...)
	c, err := Dial(ctx, chain.RPCURL, chainID, p.admin, opts...)
	if err != nil {
		return nil, err
	}
	p.clients[chainID] = c
	return c, nil
}

// Close closes every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = make(map[uint64]*Client)
}
