package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/attest"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/store"
)

func pendingTransfer(id string) *meterpay.CrossChainPayment {
	return &meterpay.CrossChainPayment{
		ID:               id,
		PermitID:         "permit-1",
		AgentID:          "agent-1",
		APICallID:        "call-" + id,
		UserAddress:      userAddr,
		RecipientAddress: publisherAddr,
		Amount:           "100000",
		TokenSymbol:      "USDC",
		SourceChainID:    11155111,
		TargetChainID:    84532,
		SourceDomain:     0,
		TargetDomain:     6,
		BurnTxHash:       "0xburn",
		MessageHash:      "0xhash",
		MessageBody:      hexutil.Encode(envelope([]byte("m"))),
		Status:           meterpay.CrossChainPending,
	}
}

func TestSweepRecoversStalePending(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	targetChain := &fakeChain{}
	source := &fakeSource{byID: map[uint64]*fakeChain{84532: targetChain}}
	attester := &fakeAttester{att: &attest.Attestation{Message: []byte("m"), Attestation: []byte{0x01}}}
	engine := NewEngine(mem, source, chains.Default(), attester)

	require.NoError(t, mem.CreatePermit(ctx, activePermit(11155111, usdcSepolia, "USDC")))
	require.NoError(t, mem.CreateCrossChainPayment(ctx, pendingTransfer("x1")))

	rec := NewReconciler(mem, engine, time.Minute, time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond) // age past staleAfter

	require.Equal(t, 1, rec.Sweep(ctx))
	require.Equal(t, []string{"receiveMessage"}, targetChain.methods())

	pending, err := mem.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// The recovered call is counted and paid.
	p, err := mem.GetPermit(ctx, "permit-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.CallsUsed)

	require.ErrorIs(t, mem.CreatePayment(ctx, &meterpay.Payment{ID: "late", APICallID: "call-x1"}), meterpay.ErrPaymentExists,
		"sweep records the payment row")
}

func TestSweepSkipsFreshPending(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	attester := &fakeAttester{att: &attest.Attestation{Message: []byte("m"), Attestation: []byte{0x01}}}
	engine := NewEngine(mem, &fakeSource{byID: map[uint64]*fakeChain{}}, chains.Default(), attester)

	require.NoError(t, mem.CreateCrossChainPayment(ctx, pendingTransfer("x1")))

	rec := NewReconciler(mem, engine, time.Minute, time.Hour, nil)
	require.Zero(t, rec.Sweep(ctx))
	require.Zero(t, attester.calls, "a transfer inside the grace window is left alone")
}

func TestSweepIgnoresFailed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	attester := &fakeAttester{}
	engine := NewEngine(mem, &fakeSource{byID: map[uint64]*fakeChain{}}, chains.Default(), attester)

	failed := pendingTransfer("x1")
	failed.Status = meterpay.CrossChainFailed
	failed.FailureReason = "redeem reverted in tx 0xdead"
	require.NoError(t, mem.CreateCrossChainPayment(ctx, failed))

	rec := NewReconciler(mem, engine, time.Minute, time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)

	require.Zero(t, rec.Sweep(ctx))
	require.Zero(t, attester.calls)
}

func TestSweepMarksFailedWhenAttestationUnavailable(t *testing.T) {
	// An attestation failure during recovery marks the transfer failed, the
	// terminal state the engine always applies.
	ctx := context.Background()
	mem := store.NewMemory()
	attester := &fakeAttester{err: meterpay.NewError(meterpay.KindAttestationFailed, "not ready")}
	engine := NewEngine(mem, &fakeSource{byID: map[uint64]*fakeChain{}}, chains.Default(), attester)

	require.NoError(t, mem.CreateCrossChainPayment(ctx, pendingTransfer("x1")))

	rec := NewReconciler(mem, engine, time.Minute, time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)

	require.Zero(t, rec.Sweep(ctx))

	pending, err := mem.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
