// Package evm provides the chain access layer: one client per chain, backed
// by go-ethereum, with reads usable concurrently and admin writes serialized
// per chain so the operator account's nonces stay ordered.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Admin holds the operator keypair. It signs every settlement transaction
// and is the spender recorded in vault permits.
type Admin struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAdmin parses a hex private key (with or without 0x prefix) and derives
// the operator address.
func NewAdmin(privateKeyHex string) (*Admin, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid admin private key: %w", err)
	}
	return &Admin{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the operator address.
func (a *Admin) Address() common.Address {
	return a.address
}

// SignTx signs a transaction for the given chain.
func (a *Admin) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.privateKey)
}
