package permits

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/evm"
)

// Submit pushes a stored permit on-chain through the admin account:
//
//  1. Stale guard: the vault's current nonce for (owner, token, spender)
//     must equal the nonce the permit was signed over.
//  2. Balance guard: the user must hold at least `required`, so no gas is
//     spent approving an unfunded permit. Skipped for zero-amount
//     (revocation) permits.
//  3. Conditional token permit: if the token→vault allowance is below
//     `required`, the permit must carry a Schema A signature, which is
//     submitted as token.permit(owner, vault, MAX_UINT256, ...).
//  4. Vault permit: the PermitSingle and its signature go to the vault.
//
// Every write waits for its receipt; a reverted transaction fails the
// whole submission.
func Submit(ctx context.Context, chain ContractWriter, p *meterpay.Permit, required *big.Int) error {
	vault, err := CheckVaultAllowance(ctx, chain, p.UserAddress, p.TokenAddress, p.SpenderAddress)
	if err != nil {
		return err
	}
	if vault.Nonce != p.Nonce {
		return meterpay.NewError(meterpay.KindPermitStale,
			"permit %s signed over vault nonce %d, chain is at %d", p.ID, p.Nonce, vault.Nonce)
	}

	amount, err := p.AmountBig()
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "permit %s amount", p.ID)
	}
	revocation := amount.Sign() == 0

	if !revocation {
		if required == nil {
			required = amount
		}
		balance, err := CheckBalance(ctx, chain, p.TokenAddress, p.UserAddress)
		if err != nil {
			return err
		}
		if balance.Cmp(required) < 0 {
			return meterpay.NewError(meterpay.KindInsufficientBalance,
				"user %s holds %s, needs %s", p.UserAddress, balance, required)
		}

		tokenAllowance, err := CheckTokenAllowance(ctx, chain, p.TokenAddress, p.UserAddress)
		if err != nil {
			return err
		}
		if tokenAllowance.Cmp(required) < 0 {
			if p.TokenPermitSig == nil {
				return meterpay.NewError(meterpay.KindInsufficientAllowance,
					"token %s allowance %s below %s and no token permit available",
					p.TokenSymbol, tokenAllowance, required)
			}
			if err := submitTokenPermit(ctx, chain, p); err != nil {
				return err
			}
		}
	}

	return submitVaultPermit(ctx, chain, p, amount)
}

// EnsureSpendable guarantees the chain will honor a charge of `required`
// against the permit, submitting it on first use. Read-only when the vault
// allowance already covers the charge.
func EnsureSpendable(ctx context.Context, chain ContractWriter, p *meterpay.Permit, required *big.Int) error {
	vault, err := CheckVaultAllowance(ctx, chain, p.UserAddress, p.TokenAddress, p.SpenderAddress)
	if err != nil {
		return err
	}
	notExpired := vault.Expiration > uint64(time.Now().Unix())
	if vault.Amount.Cmp(required) >= 0 && notExpired {
		balance, err := CheckBalance(ctx, chain, p.TokenAddress, p.UserAddress)
		if err != nil {
			return err
		}
		if balance.Cmp(required) < 0 {
			return meterpay.NewError(meterpay.KindInsufficientBalance,
				"user %s holds %s, needs %s", p.UserAddress, balance, required)
		}
		return nil
	}
	return Submit(ctx, chain, p, required)
}

// submitTokenPermit plays the stored Schema A signature onto the token
// contract, approving the vault for MAX_UINT256.
func submitTokenPermit(ctx context.Context, chain ContractWriter, p *meterpay.Permit) error {
	sig := p.TokenPermitSig
	r, s, err := signatureWords(sig.Signature)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "token permit signature")
	}
	receipt, err := chain.WriteContract(ctx, p.TokenAddress, evm.ERC20PermitABI, "permit",
		common.HexToAddress(p.UserAddress),
		common.HexToAddress(chains.AllowanceVaultAddress),
		MaxUint256,
		big.NewInt(sig.Deadline),
		sig.V, r, s,
	)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInternal, err, "submit token permit for %s", p.ID)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return meterpay.NewError(meterpay.KindInternal,
			"token permit for %s reverted in %s", p.ID, receipt.TxHash.Hex())
	}
	return nil
}

// submitVaultPermit plays the Schema B signature onto the vault.
func submitVaultPermit(ctx context.Context, chain ContractWriter, p *meterpay.Permit, amount *big.Int) error {
	sigBytes, err := p.Signature.Bytes()
	if err != nil {
		return meterpay.WrapError(meterpay.KindInvalidRequest, err, "permit signature")
	}

	permitSingle := struct {
		Details struct {
			Token      common.Address
			Amount     *big.Int
			Expiration *big.Int
			Nonce      *big.Int
		}
		Spender     common.Address
		SigDeadline *big.Int
	}{
		Details: struct {
			Token      common.Address
			Amount     *big.Int
			Expiration *big.Int
			Nonce      *big.Int
		}{
			Token:      common.HexToAddress(p.TokenAddress),
			Amount:     amount,
			Expiration: big.NewInt(p.Deadline),
			Nonce:      new(big.Int).SetUint64(p.Nonce),
		},
		Spender:     common.HexToAddress(p.SpenderAddress),
		SigDeadline: big.NewInt(p.Deadline),
	}

	receipt, err := chain.WriteContract(ctx, chains.AllowanceVaultAddress, evm.VaultPermitABI, "permit",
		common.HexToAddress(p.UserAddress), permitSingle, sigBytes)
	if err != nil {
		return meterpay.WrapError(meterpay.KindInternal, err, "submit vault permit for %s", p.ID)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return meterpay.NewError(meterpay.KindInternal,
			"vault permit for %s reverted in %s", p.ID, receipt.TxHash.Hex())
	}
	return nil
}

// signatureWords splits an (r, s, v) signature into abi bytes32 words.
func signatureWords(sig meterpay.Signature) (r, s [32]byte, err error) {
	raw, err := sig.Bytes()
	if err != nil {
		return r, s, err
	}
	copy(r[:], raw[:32])
	copy(s[:], raw[32:64])
	return r, s, nil
}
