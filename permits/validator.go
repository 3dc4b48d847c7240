package permits

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/evm"
)

// ContractReader is the chain read surface the validator needs.
// *evm.Client implements it.
type ContractReader interface {
	ReadContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) ([]interface{}, error)
}

// ContractWriter adds the serialized admin write path used by the
// submitter.
type ContractWriter interface {
	ContractReader
	WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (*types.Receipt, error)
}

// VaultAllowance is the (amount, expiration, nonce) triple the vault
// tracks per (owner, token, spender).
type VaultAllowance struct {
	Amount     *big.Int
	Expiration uint64
	Nonce      uint64
}

// Funding is the on-chain funding picture for a permit: what the user
// holds, what the token lets the vault pull, and what the vault lets the
// admin spend. Checks return data, not verdicts; business rules live with
// the callers.
type Funding struct {
	Balance        *big.Int
	TokenAllowance *big.Int
	Vault          VaultAllowance
}

// CheckBalance reads the owner's token balance.
func CheckBalance(ctx context.Context, r ContractReader, token, owner string) (*big.Int, error) {
	vals, err := r.ReadContract(ctx, token, evm.ERC20BalanceOfABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindValidation, err, "balance of %s", owner)
	}
	bal, ok := first(vals).(*big.Int)
	if !ok {
		return nil, meterpay.NewError(meterpay.KindValidation, "unexpected balanceOf output %T", first(vals))
	}
	return bal, nil
}

// CheckTokenAllowance reads the token-level allowance granted by the owner
// to the allowance vault.
func CheckTokenAllowance(ctx context.Context, r ContractReader, token, owner string) (*big.Int, error) {
	vals, err := r.ReadContract(ctx, token, evm.ERC20AllowanceABI, "allowance",
		common.HexToAddress(owner), common.HexToAddress(chains.AllowanceVaultAddress))
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindValidation, err, "token allowance of %s", owner)
	}
	allowance, ok := first(vals).(*big.Int)
	if !ok {
		return nil, meterpay.NewError(meterpay.KindValidation, "unexpected allowance output %T", first(vals))
	}
	return allowance, nil
}

// CheckVaultAllowance reads the vault's (amount, expiration, nonce) for an
// (owner, token, spender) triple. The nonce is the one a fresh permit must
// be signed over.
func CheckVaultAllowance(ctx context.Context, r ContractReader, owner, token, spender string) (*VaultAllowance, error) {
	vals, err := r.ReadContract(ctx, chains.AllowanceVaultAddress, evm.VaultAllowanceABI, "allowance",
		common.HexToAddress(owner), common.HexToAddress(token), common.HexToAddress(spender))
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindValidation, err, "vault allowance of %s", owner)
	}
	if len(vals) != 3 {
		return nil, meterpay.NewError(meterpay.KindValidation, "vault allowance returned %d values", len(vals))
	}
	amount, ok1 := vals[0].(*big.Int)
	expiration, ok2 := vals[1].(*big.Int)
	nonce, ok3 := vals[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, meterpay.NewError(meterpay.KindValidation, "unexpected vault allowance outputs")
	}
	return &VaultAllowance{
		Amount:     amount,
		Expiration: expiration.Uint64(),
		Nonce:      nonce.Uint64(),
	}, nil
}

// CheckFunding reads all three funding facts for a permit in one pass.
func CheckFunding(ctx context.Context, r ContractReader, p *meterpay.Permit) (*Funding, error) {
	balance, err := CheckBalance(ctx, r, p.TokenAddress, p.UserAddress)
	if err != nil {
		return nil, err
	}
	tokenAllowance, err := CheckTokenAllowance(ctx, r, p.TokenAddress, p.UserAddress)
	if err != nil {
		return nil, err
	}
	vault, err := CheckVaultAllowance(ctx, r, p.UserAddress, p.TokenAddress, p.SpenderAddress)
	if err != nil {
		return nil, err
	}
	return &Funding{Balance: balance, TokenAllowance: tokenAllowance, Vault: *vault}, nil
}

// ReadTokenNonce reads the owner's EIP-2612 nonce from the token contract.
func ReadTokenNonce(ctx context.Context, r ContractReader, token, owner string) (*big.Int, error) {
	vals, err := r.ReadContract(ctx, token, evm.ERC20NoncesABI, "nonces", common.HexToAddress(owner))
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindValidation, err, "token nonce of %s", owner)
	}
	nonce, ok := first(vals).(*big.Int)
	if !ok {
		return nil, meterpay.NewError(meterpay.KindValidation, "unexpected nonces output %T", first(vals))
	}
	return nonce, nil
}

// VerifyVaultSignature recovers the Schema B signer and requires it to be
// the permit's user.
func VerifyVaultSignature(p *meterpay.Permit) error {
	msg, err := VaultPermitFromStored(p)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "malformed permit")
	}
	signer, err := RecoverSigner(msg, p.Signature)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "unrecoverable permit signature")
	}
	if !meterpay.EqualAddress(signer.Hex(), p.UserAddress) {
		return meterpay.NewError(meterpay.KindInvalidRequest,
			"permit signature recovers to %s, not %s", signer.Hex(), p.UserAddress)
	}
	return nil
}

// VerifyTokenSignature recovers the Schema A signer against the owner's
// current token nonce and requires it to be the permit's user.
func VerifyTokenSignature(ctx context.Context, r ContractReader, p *meterpay.Permit, tok chains.Token) error {
	nonce, err := ReadTokenNonce(ctx, r, p.TokenAddress, p.UserAddress)
	if err != nil {
		return err
	}
	msg, err := TokenPermitFromStored(p, tok, nonce)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "malformed token permit")
	}
	signer, err := RecoverSigner(msg, p.TokenPermitSig.Signature)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "unrecoverable token permit signature")
	}
	if !meterpay.EqualAddress(signer.Hex(), p.UserAddress) {
		return meterpay.NewError(meterpay.KindInvalidRequest,
			"token permit signature recovers to %s, not %s", signer.Hex(), p.UserAddress)
	}
	return nil
}

func first(vals []interface{}) interface{} {
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}
