// Package chains holds the static lookup tables for the networks the
// router can settle on: chain ids, transfer-protocol domains, default RPC
// endpoints, and the stablecoins deployed on each chain.
package chains

import (
	"sort"
	"strings"

	"github.com/meterpay/meterpay"
)

const (
	// AllowanceVaultAddress is the canonical allowance vault contract.
	// Same address on all EVM chains via CREATE2 deployment.
	AllowanceVaultAddress = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

	// TokenMessengerAddress is the burn side of the cross-chain transfer
	// protocol, deployed at the same address on every supported testnet.
	TokenMessengerAddress = "0x8FE6B999Dc680CcFDD5Bf7EB0974218be2542DAA"

	// MessageTransmitterAddress is the mint side, same address on every
	// supported testnet.
	MessageTransmitterAddress = "0xE737e5cEBEEBa77EFE34D4aa090756590b1CE275"

	// StablecoinDecimals applies to every supported token. Base units are
	// micro-dollars at par.
	StablecoinDecimals = 6
)

// Token is a stablecoin deployment on one chain, including the EIP-712
// domain parameters its permit() implementation verifies against.
type Token struct {
	Symbol        string
	Address       string
	Decimals      int
	PermitName    string
	PermitVersion string
}

// Chain is one supported network.
type Chain struct {
	ID     uint64
	Name   string
	Domain uint32 // transfer-protocol domain
	RPCURL string
	Tokens map[string]Token // keyed by upper-case symbol
}

// Token looks up a stablecoin on the chain by symbol.
func (c *Chain) Token(symbol string) (Token, error) {
	t, ok := c.Tokens[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, meterpay.NewError(meterpay.KindUnsupportedRoute,
			"token %s not supported on chain %d", symbol, c.ID)
	}
	return t, nil
}

// Registry resolves chains and tokens. Overrides are applied once at
// startup; the registry is read-only afterwards.
type Registry struct {
	chains map[uint64]*Chain
}

// Default returns a registry with the built-in network tables.
func Default() *Registry {
	r := &Registry{chains: make(map[uint64]*Chain)}
	for _, c := range builtin() {
		r.chains[c.ID] = c
	}
	return r
}

// Chain resolves a chain id.
func (r *Registry) Chain(id uint64) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, meterpay.NewError(meterpay.KindUnsupportedChain, "chain %d not supported", id)
	}
	return c, nil
}

// Token resolves a stablecoin on a chain.
func (r *Registry) Token(chainID uint64, symbol string) (Token, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return Token{}, err
	}
	return c.Token(symbol)
}

// Domain returns the transfer-protocol domain for a chain.
func (r *Registry) Domain(chainID uint64) (uint32, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return 0, err
	}
	return c.Domain, nil
}

// IDs lists the supported chain ids in ascending order.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OverrideRPC replaces the RPC endpoint for a chain. Unknown ids are
// ignored so that configs can carry entries for chains a build does not
// include.
func (r *Registry) OverrideRPC(chainID uint64, url string) {
	if c, ok := r.chains[chainID]; ok && url != "" {
		c.RPCURL = url
	}
}

// OverrideTokenAddress replaces a token's contract address on a chain.
func (r *Registry) OverrideTokenAddress(chainID uint64, symbol, address string) {
	c, ok := r.chains[chainID]
	if !ok || address == "" {
		return
	}
	symbol = strings.ToUpper(symbol)
	if t, ok := c.Tokens[symbol]; ok {
		t.Address = address
		c.Tokens[symbol] = t
	}
}

func builtin() []*Chain {
	return []*Chain{
		{
			ID:     11155111,
			Name:   "ethereum-sepolia",
			Domain: 0,
			RPCURL: "https://ethereum-sepolia-rpc.publicnode.com",
			Tokens: map[string]Token{
				"USDC": {
					Symbol:        "USDC",
					Address:       "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
					Decimals:      StablecoinDecimals,
					PermitName:    "USD Coin",
					PermitVersion: "2",
				},
				"PYUSD": {
					Symbol:        "PYUSD",
					Address:       "0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9",
					Decimals:      StablecoinDecimals,
					PermitName:    "PayPal USD",
					PermitVersion: "1",
				},
			},
		},
		{
			ID:     84532,
			Name:   "base-sepolia",
			Domain: 6,
			RPCURL: "https://sepolia.base.org",
			Tokens: map[string]Token{
				"USDC": {
					Symbol:        "USDC",
					Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
					Decimals:      StablecoinDecimals,
					PermitName:    "USD Coin",
					PermitVersion: "1",
				},
			},
		},
		{
			ID:     421614,
			Name:   "arbitrum-sepolia",
			Domain: 3,
			RPCURL: "https://sepolia-rollup.arbitrum.io/rpc",
			Tokens: map[string]Token{
				"USDC": {
					Symbol:        "USDC",
					Address:       "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d",
					Decimals:      StablecoinDecimals,
					PermitName:    "USD Coin",
					PermitVersion: "1",
				},
			},
		},
		{
			ID:     43113,
			Name:   "avalanche-fuji",
			Domain: 1,
			RPCURL: "https://api.avax-test.network/ext/bc/C/rpc",
			Tokens: map[string]Token{
				"USDC": {
					Symbol:        "USDC",
					Address:       "0x5425890298aed601595a70AB815c96711a31Bc65",
					Decimals:      StablecoinDecimals,
					PermitName:    "USD Coin",
					PermitVersion: "1",
				},
			},
		},
	}
}
