// Package permits implements the permit pipeline: EIP-712 encoding and
// signature recovery for the two permit schemas, on-chain funding
// validation, and submission of signed permits through the admin account.
//
// Schema A is a token-level EIP-2612 permit approving the allowance vault
// on the stablecoin itself. Schema B is a vault-level permit granting the
// admin account a metered spending allowance inside the vault. A stored
// permit always carries a Schema B signature and may carry a Schema A
// signature for tokens whose vault approval is not yet in place.
package permits

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/chains"
)

// TypedDataField represents a single field in an EIP-712 type definition.
type TypedDataField struct {
	Name string
	Type string
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedMessage is one permit schema variant. Both schemas share the codec:
// Digest, Sign, and RecoverSigner work on either.
type TypedMessage interface {
	Domain() TypedDataDomain
	Types() map[string][]TypedDataField
	PrimaryType() string
	Message() map[string]interface{}
}

// TokenPermit is the Schema A message: an EIP-2612 permit on the token
// contract approving the allowance vault. Name and Version must match the
// domain the token's permit() implementation verifies against.
type TokenPermit struct {
	TokenName    string
	TokenVersion string
	TokenAddress string
	ChainID      *big.Int
	Owner        string
	Spender      string
	Value        *big.Int
	Nonce        *big.Int
	Deadline     *big.Int
}

func (p TokenPermit) Domain() TypedDataDomain {
	return TypedDataDomain{
		Name:              p.TokenName,
		Version:           p.TokenVersion,
		ChainID:           p.ChainID,
		VerifyingContract: p.TokenAddress,
	}
}

func (p TokenPermit) Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"Permit": {
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
}

func (p TokenPermit) PrimaryType() string { return "Permit" }

func (p TokenPermit) Message() map[string]interface{} {
	return map[string]interface{}{
		"owner":    common.HexToAddress(p.Owner).Hex(),
		"spender":  common.HexToAddress(p.Spender).Hex(),
		"value":    p.Value,
		"nonce":    p.Nonce,
		"deadline": p.Deadline,
	}
}

// VaultPermit is the Schema B message: a PermitSingle granting the spender
// a metered allowance inside the vault. Amount is a uint160; Expiration and
// Nonce are uint48s per the vault's layout.
type VaultPermit struct {
	ChainID      *big.Int
	VaultAddress string
	Token        string
	Amount       *big.Int
	Expiration   uint64
	Nonce        uint64
	Spender      string
	SigDeadline  *big.Int
}

func (p VaultPermit) Domain() TypedDataDomain {
	vault := p.VaultAddress
	if vault == "" {
		vault = chains.AllowanceVaultAddress
	}
	return TypedDataDomain{
		Name:              "Permit2",
		Version:           "1",
		ChainID:           p.ChainID,
		VerifyingContract: vault,
	}
}

func (p VaultPermit) Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"PermitSingle": {
			{Name: "details", Type: "PermitDetails"},
			{Name: "spender", Type: "address"},
			{Name: "sigDeadline", Type: "uint256"},
		},
		"PermitDetails": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint160"},
			{Name: "expiration", Type: "uint48"},
			{Name: "nonce", Type: "uint48"},
		},
	}
}

func (p VaultPermit) PrimaryType() string { return "PermitSingle" }

func (p VaultPermit) Message() map[string]interface{} {
	return map[string]interface{}{
		"details": map[string]interface{}{
			"token":      common.HexToAddress(p.Token).Hex(),
			"amount":     p.Amount,
			"expiration": new(big.Int).SetUint64(p.Expiration),
			"nonce":      new(big.Int).SetUint64(p.Nonce),
		},
		"spender":     common.HexToAddress(p.Spender).Hex(),
		"sigDeadline": p.SigDeadline,
	}
}

// Digest computes the EIP-712 digest for a message:
// keccak256("\x19\x01" + domainSeparator + structHash).
func Digest(m TypedMessage) ([32]byte, error) {
	var digest [32]byte

	domain := m.Domain()
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: m.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: m.Message(),
	}

	for typeName, fields := range m.Types() {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return digest, fmt.Errorf("hash %s struct: %w", typedData.PrimaryType, err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return digest, fmt.Errorf("hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	copy(digest[:], crypto.Keccak256(rawData))
	return digest, nil
}

// Sign produces an (r, s, v) signature over the message digest with v in
// {27, 28}, the form the permit-accepting contracts expect.
func Sign(m TypedMessage, key *ecdsa.PrivateKey) (meterpay.Signature, error) {
	digest, err := Digest(m)
	if err != nil {
		return meterpay.Signature{}, err
	}
	raw, err := crypto.Sign(digest[:], key)
	if err != nil {
		return meterpay.Signature{}, fmt.Errorf("sign digest: %w", err)
	}
	raw[64] += 27
	return meterpay.SignatureFromBytes(raw)
}

// RecoverSigner recovers the address that signed the message.
func RecoverSigner(m TypedMessage, sig meterpay.Signature) (common.Address, error) {
	digest, err := Digest(m)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := sig.Bytes()
	if err != nil {
		return common.Address{}, err
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// MaxUint256 is the unlimited-approval value used for Schema A permits.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// VaultPermitFromStored rebuilds the Schema B message a stored permit was
// signed over, for recovery checks and on-chain submission.
func VaultPermitFromStored(p *meterpay.Permit) (VaultPermit, error) {
	amount, err := p.AmountBig()
	if err != nil {
		return VaultPermit{}, fmt.Errorf("permit %s: %w", p.ID, err)
	}
	return VaultPermit{
		ChainID:     new(big.Int).SetUint64(p.ChainID),
		Token:       p.TokenAddress,
		Amount:      amount,
		Expiration:  uint64(p.Deadline),
		Nonce:       p.Nonce,
		Spender:     p.SpenderAddress,
		SigDeadline: big.NewInt(p.Deadline),
	}, nil
}

// TokenPermitFromStored rebuilds the Schema A message for a stored permit's
// optional token permit signature. The spender is always the vault and the
// value unlimited.
func TokenPermitFromStored(p *meterpay.Permit, tok chains.Token, nonce *big.Int) (TokenPermit, error) {
	if p.TokenPermitSig == nil {
		return TokenPermit{}, fmt.Errorf("permit %s carries no token permit signature", p.ID)
	}
	return TokenPermit{
		TokenName:    tok.PermitName,
		TokenVersion: tok.PermitVersion,
		TokenAddress: p.TokenAddress,
		ChainID:      new(big.Int).SetUint64(p.ChainID),
		Owner:        p.UserAddress,
		Spender:      chains.AllowanceVaultAddress,
		Value:        MaxUint256,
		Nonce:        nonce,
		Deadline:     big.NewInt(p.TokenPermitSig.Deadline),
	}, nil
}
