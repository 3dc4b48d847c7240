// Package transfer executes settled charges on chain. Same-chain charges are
// a single vault pull to the recipient. Cross-chain charges pull to the admin
// account, burn through the token messenger, wait for the attestation and
// redeem on the destination chain, with every stage recorded so an
// interrupted transfer can be picked up again.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/attest"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/evm"
)

// maxFeeNumerator caps the fast-transfer fee at 0.5% of the burned amount.
const (
	maxFeeNumerator   = 5
	maxFeeDenominator = 1000

	finalityFast     = 1000
	finalityStandard = 2000
)

// Chain is the slice of an EVM client the engine writes through.
type Chain interface {
	WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (*types.Receipt, error)
	AdminAddress() common.Address
}

// ChainSource hands out per-chain clients.
type ChainSource interface {
	Chain(ctx context.Context, chainID uint64) (Chain, error)
}

// PoolSource adapts an evm.Pool to the ChainSource interface.
type PoolSource struct {
	Pool *evm.Pool
}

func (s PoolSource) Chain(ctx context.Context, chainID uint64) (Chain, error) {
	return s.Pool.Client(ctx, chainID)
}

// Attester waits for a burn attestation.
type Attester interface {
	Wait(ctx context.Context, req attest.Request) (*attest.Attestation, error)
}

// Request is one charge to move on chain.
type Request struct {
	Permit       *meterpay.Permit
	Recipient    string // agent payout wallet
	TargetChain  uint64
	TargetToken  string
	Amount       *big.Int // token base units
	FastTransfer bool
	APICallID    string
	AgentID      string
}

// Result reports where the funds landed.
type Result struct {
	// TxHash is the transaction that put funds in the recipient's hands:
	// the vault pull same-chain, the redeem cross-chain.
	TxHash string

	// CallsUsed is the permit counter after this charge.
	CallsUsed int64

	// CrossChain is set when the charge was routed through a burn.
	CrossChain *meterpay.CrossChainPayment
}

// SettleHook observes cross-chain payments as they reach a terminal state.
type SettleHook func(ccp *meterpay.CrossChainPayment)

// Engine moves settled charges on chain.
type Engine struct {
	store       meterpay.Store
	chains      ChainSource
	registry    *chains.Registry
	attester    Attester
	settleHooks []SettleHook
	log         *zap.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSettleHook registers a hook fired when a cross-chain payment turns
// complete or failed, on both the inline path and the reconciler path.
func WithSettleHook(hook SettleHook) Option {
	return func(e *Engine) { e.settleHooks = append(e.settleHooks, hook) }
}

// NewEngine creates a transfer engine.
func NewEngine(store meterpay.Store, source ChainSource, registry *chains.Registry, attester Attester, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		chains:   source,
		registry: registry,
		attester: attester,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute settles one charge. The permit's call counter is incremented only
// once funds have reached the recipient; a failure at any earlier stage
// leaves the counter untouched.
//
// A charge stays on one chain only when both the chain and the token match
// the payout preference. Everything else goes through the burn.
//
// Cancellation never aborts a contract write that has started: funds in
// motion must land, and the records that track them must be written. A
// cancelled context stops the engine between stages and during attestation
// waits only.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, meterpay.NewError(meterpay.KindInvalidParameters, "transfer amount must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Permit.ChainID == req.TargetChain && strings.EqualFold(req.Permit.TokenSymbol, req.TargetToken) {
		return e.sameChain(ctx, req)
	}
	return e.crossChain(ctx, req)
}

func (e *Engine) sameChain(ctx context.Context, req Request) (*Result, error) {
	chain, err := e.chains.Chain(ctx, req.Permit.ChainID)
	if err != nil {
		return nil, err
	}

	wctx := context.WithoutCancel(ctx)
	receipt, err := chain.WriteContract(wctx, chains.AllowanceVaultAddress, evm.VaultTransferFromABI, "transferFrom",
		common.HexToAddress(req.Permit.UserAddress),
		common.HexToAddress(req.Recipient),
		req.Amount,
		common.HexToAddress(req.Permit.TokenAddress),
	)
	if err != nil {
		return nil, fmt.Errorf("vault pull: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, meterpay.NewError(meterpay.KindInternal, "vault pull reverted in tx %s", receipt.TxHash.Hex())
	}

	used, err := e.store.IncrementPermitUsage(wctx, req.Permit.ID)
	if err != nil {
		return nil, fmt.Errorf("record permit usage: %w", err)
	}
	e.log.Info("charge settled",
		zap.String("permit_id", req.Permit.ID),
		zap.Uint64("chain_id", req.Permit.ChainID),
		zap.String("amount", req.Amount.String()),
		zap.String("tx", receipt.TxHash.Hex()))
	return &Result{TxHash: receipt.TxHash.Hex(), CallsUsed: used}, nil
}

// validateCrossChainRoute rejects unroutable charges before any funds move.
// The burn-and-mint protocol carries USDC only.
func (e *Engine) validateCrossChainRoute(req Request) error {
	if !strings.EqualFold(req.Permit.TokenSymbol, "USDC") {
		return meterpay.NewError(meterpay.KindUnsupportedRoute,
			"%s cannot move from chain %d to chain %d: only USDC burns across chains",
			req.Permit.TokenSymbol, req.Permit.ChainID, req.TargetChain)
	}
	if _, err := e.registry.Token(req.Permit.ChainID, "USDC"); err != nil {
		return err
	}
	if _, err := e.registry.Token(req.TargetChain, "USDC"); err != nil {
		return err
	}
	return nil
}

func (e *Engine) crossChain(ctx context.Context, req Request) (*Result, error) {
	if err := e.validateCrossChainRoute(req); err != nil {
		return nil, err
	}
	sourceDomain, err := e.registry.Domain(req.Permit.ChainID)
	if err != nil {
		return nil, err
	}
	targetDomain, err := e.registry.Domain(req.TargetChain)
	if err != nil {
		return nil, err
	}

	source, err := e.chains.Chain(ctx, req.Permit.ChainID)
	if err != nil {
		return nil, err
	}

	admin := source.AdminAddress()
	token := common.HexToAddress(req.Permit.TokenAddress)
	wctx := context.WithoutCancel(ctx)

	// Stage 1: pull the charge into the admin account.
	receipt, err := source.WriteContract(wctx, chains.AllowanceVaultAddress, evm.VaultTransferFromABI, "transferFrom",
		common.HexToAddress(req.Permit.UserAddress), admin, req.Amount, token)
	if err != nil {
		return nil, fmt.Errorf("vault pull: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, meterpay.NewError(meterpay.KindInternal, "vault pull reverted in tx %s", receipt.TxHash.Hex())
	}

	// Stage 2: let the token messenger spend the pulled funds.
	receipt, err = source.WriteContract(wctx, req.Permit.TokenAddress, evm.ERC20ApproveABI, "approve",
		common.HexToAddress(chains.TokenMessengerAddress), req.Amount)
	if err != nil {
		return nil, fmt.Errorf("approve token messenger: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, meterpay.NewError(meterpay.KindInternal, "approve reverted in tx %s", receipt.TxHash.Hex())
	}

	// Stage 3: burn toward the destination domain.
	finality := uint32(finalityStandard)
	if req.FastTransfer {
		finality = finalityFast
	}
	maxFee := new(big.Int).Div(new(big.Int).Mul(req.Amount, big.NewInt(maxFeeNumerator)), big.NewInt(maxFeeDenominator))

	var mintRecipient [32]byte
	copy(mintRecipient[12:], common.HexToAddress(req.Recipient).Bytes())

	burnReceipt, err := source.WriteContract(wctx, chains.TokenMessengerAddress, evm.DepositForBurnABI, "depositForBurn",
		req.Amount, targetDomain, mintRecipient, token, [32]byte{}, maxFee, finality)
	if err != nil {
		return nil, fmt.Errorf("deposit for burn: %w", err)
	}
	if burnReceipt.Status != evm.TxStatusSuccess {
		return nil, meterpay.NewError(meterpay.KindInternal, "burn reverted in tx %s", burnReceipt.TxHash.Hex())
	}

	messageBody, err := messageSentData(burnReceipt)
	if err != nil {
		return nil, err
	}
	messageHash := crypto.Keccak256Hash(messageBody)

	ccp := &meterpay.CrossChainPayment{
		ID:               uuid.NewString(),
		PermitID:         req.Permit.ID,
		AgentID:          req.AgentID,
		APICallID:        req.APICallID,
		UserAddress:      req.Permit.UserAddress,
		RecipientAddress: req.Recipient,
		Amount:           req.Amount.String(),
		TokenSymbol:      req.Permit.TokenSymbol,
		SourceChainID:    req.Permit.ChainID,
		TargetChainID:    req.TargetChain,
		SourceDomain:     sourceDomain,
		TargetDomain:     targetDomain,
		BurnTxHash:       burnReceipt.TxHash.Hex(),
		MessageHash:      messageHash.Hex(),
		MessageBody:      hexutil.Encode(messageBody),
		Status:           meterpay.CrossChainPending,
	}
	if err := e.store.CreateCrossChainPayment(wctx, ccp); err != nil {
		return nil, fmt.Errorf("record cross-chain payment: %w", err)
	}
	e.log.Info("burn submitted",
		zap.String("cross_chain_id", ccp.ID),
		zap.Uint64("source_chain", ccp.SourceChainID),
		zap.Uint64("target_chain", ccp.TargetChainID),
		zap.String("burn_tx", ccp.BurnTxHash),
		zap.String("message_hash", ccp.MessageHash))

	used, err := e.Complete(ctx, ccp)
	if err != nil {
		return nil, err
	}
	return &Result{TxHash: ccp.TargetTxHash, CallsUsed: used, CrossChain: ccp}, nil
}

// Complete drives a pending cross-chain payment to its terminal state: wait
// for the attestation, redeem on the target chain, then count the call. An
// attestation timeout or a redeem revert marks the payment failed; the
// record is retained for operators. A cancelled caller leaves the payment
// pending instead, and the reconciler picks it up. The updated payment is
// written back through ccp.
func (e *Engine) Complete(ctx context.Context, ccp *meterpay.CrossChainPayment) (int64, error) {
	att, err := e.attester.Wait(ctx, attest.Request{
		SourceDomain: ccp.SourceDomain,
		BurnTxHash:   ccp.BurnTxHash,
		MessageHash:  ccp.MessageHash,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, e.fail(ctx, ccp, meterpay.KindAttestationFailed, err.Error())
	}

	// The v2 service returns the message alongside the attestation. When it
	// does not, redeem with the message captured from the burn receipt.
	wctx := context.WithoutCancel(ctx)
	message := att.Message
	if len(message) == 0 {
		raw, decodeErr := hexutil.Decode(ccp.MessageBody)
		if decodeErr != nil {
			return 0, e.fail(ctx, ccp, meterpay.KindInternal, fmt.Sprintf("stored message body unusable: %v", decodeErr))
		}
		message = unwrapMessageData(raw)
	}

	target, err := e.chains.Chain(ctx, ccp.TargetChainID)
	if err != nil {
		return 0, err
	}
	receipt, err := target.WriteContract(wctx, chains.MessageTransmitterAddress, evm.ReceiveMessageABI, "receiveMessage",
		message, att.Attestation)
	if err != nil {
		return 0, fmt.Errorf("redeem on chain %d: %w", ccp.TargetChainID, err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return 0, e.fail(ctx, ccp, meterpay.KindInternal, fmt.Sprintf("redeem reverted in tx %s", receipt.TxHash.Hex()))
	}

	now := time.Now().UTC()
	ccp.TargetTxHash = receipt.TxHash.Hex()
	ccp.Status = meterpay.CrossChainComplete
	ccp.CompletedAt = &now
	if err := e.store.UpdateCrossChainPayment(wctx, ccp); err != nil {
		return 0, fmt.Errorf("record completion: %w", err)
	}

	used, err := e.store.IncrementPermitUsage(wctx, ccp.PermitID)
	if err != nil {
		return 0, fmt.Errorf("record permit usage: %w", err)
	}
	e.log.Info("cross-chain charge settled",
		zap.String("cross_chain_id", ccp.ID),
		zap.String("redeem_tx", ccp.TargetTxHash),
		zap.Int64("calls_used", used))
	for _, hook := range e.settleHooks {
		hook(ccp)
	}
	return used, nil
}

// fail marks the payment failed and returns the terminal error.
func (e *Engine) fail(ctx context.Context, ccp *meterpay.CrossChainPayment, kind meterpay.ErrorKind, reason string) error {
	ccp.Status = meterpay.CrossChainFailed
	ccp.FailureReason = reason
	if err := e.store.UpdateCrossChainPayment(context.WithoutCancel(ctx), ccp); err != nil {
		e.log.Error("failed to record cross-chain failure",
			zap.String("cross_chain_id", ccp.ID),
			zap.Error(err))
	}
	for _, hook := range e.settleHooks {
		hook(ccp)
	}
	return meterpay.NewError(kind, "cross-chain payment %s failed: %s", ccp.ID, reason)
}

// messageSentData finds the MessageSent event in a burn receipt and returns
// its raw data field. The message hash the attestation service is keyed by
// is keccak256 of exactly these bytes.
func messageSentData(receipt *types.Receipt) ([]byte, error) {
	topic := common.HexToHash(evm.MessageSentTopic)
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		if !meterpay.EqualAddress(lg.Address.Hex(), chains.MessageTransmitterAddress) {
			continue
		}
		return lg.Data, nil
	}
	return nil, meterpay.NewError(meterpay.KindInternal, "burn tx %s emitted no MessageSent event", receipt.TxHash.Hex())
}

// unwrapMessageData strips the ABI dynamic-bytes envelope (offset word,
// length word, padding) from a MessageSent payload. Data that does not look
// enveloped is returned as is.
func unwrapMessageData(data []byte) []byte {
	if len(data) < 64 {
		return data
	}
	offset := new(big.Int).SetBytes(data[:32])
	if !offset.IsInt64() || offset.Int64() != 32 {
		return data
	}
	length := new(big.Int).SetBytes(data[32:64])
	if !length.IsInt64() {
		return data
	}
	n := length.Int64()
	if n < 0 || 64+n > int64(len(data)) {
		return data
	}
	return data[64 : 64+n]
}
