package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meterpay/meterpay"
)

func testPermit(id, user string, chainID uint64, token string) *meterpay.Permit {
	return &meterpay.Permit{
		ID:           id,
		UserAddress:  user,
		TokenSymbol:  "USDC",
		TokenAddress: token,
		ChainID:      chainID,
		Amount:       "100000000",
		Deadline:     time.Now().Add(24 * time.Hour).Unix(),
		Status:       meterpay.PermitActive,
		MaxCalls:     1000,
	}
}

const (
	alice    = "0x1111111111111111111111111111111111111111"
	usdcBase = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	usdcSep  = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
)

func TestCreatePermitSupersedes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))
	require.NoError(t, m.CreatePermit(ctx, testPermit("p2", alice, 84532, usdcBase)))

	p1, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitRevoked, p1.Status, "old permit for same lane must be revoked")

	p2, err := m.GetPermit(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitActive, p2.Status)
}

func TestCreatePermitLeavesOtherLanesAlone(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreatePermit(ctx, testPermit("p1", alice, 11155111, usdcSep)))
	require.NoError(t, m.CreatePermit(ctx, testPermit("p2", alice, 84532, usdcBase)))

	p1, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitActive, p1.Status, "different chain is a different lane")
}

func TestIncrementPermitUsage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := testPermit("p1", alice, 84532, usdcBase)
	p.MaxCalls = 3
	require.NoError(t, m.CreatePermit(ctx, p))

	for want := int64(1); want <= 2; want++ {
		n, err := m.IncrementPermitUsage(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	got, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitActive, got.Status, "permit with calls left stays active")

	n, err := m.IncrementPermitUsage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	got, err = m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitExhausted, got.Status, "hitting max_calls exhausts the permit")
}

func TestIncrementPermitUsageConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := m.IncrementPermitUsage(ctx, "p1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(workers), p.CallsUsed, "no increment may be lost")
}

func TestIncrementPermitUsageMissing(t *testing.T) {
	_, err := NewMemory().IncrementPermitUsage(context.Background(), "nope")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
}

func TestCreatePaymentRejectsDuplicateCall(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &meterpay.Payment{ID: "pay1", APICallID: "call1", Amount: "100000"}
	require.NoError(t, m.CreatePayment(ctx, first))

	dup := &meterpay.Payment{ID: "pay2", APICallID: "call1", Amount: "100000"}
	require.ErrorIs(t, m.CreatePayment(ctx, dup), meterpay.ErrPaymentExists)

	other := &meterpay.Payment{ID: "pay3", APICallID: "call2", Amount: "100000"}
	require.NoError(t, m.CreatePayment(ctx, other))
}

func TestGetPermitReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))

	got, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	got.Status = meterpay.PermitRevoked
	got.CallsUsed = 999

	fresh, err := m.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitActive, fresh.Status)
	require.Zero(t, fresh.CallsUsed)
}

func TestListPendingCrossChainPayments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	older := &meterpay.CrossChainPayment{ID: "x1", Status: meterpay.CrossChainPending, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &meterpay.CrossChainPayment{ID: "x2", Status: meterpay.CrossChainPending, CreatedAt: time.Now()}
	done := &meterpay.CrossChainPayment{ID: "x3", Status: meterpay.CrossChainComplete, CreatedAt: time.Now().Add(-2 * time.Hour)}

	require.NoError(t, m.CreateCrossChainPayment(ctx, newer))
	require.NoError(t, m.CreateCrossChainPayment(ctx, older))
	require.NoError(t, m.CreateCrossChainPayment(ctx, done))

	pending, err := m.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "x1", pending[0].ID, "oldest first")
	require.Equal(t, "x2", pending[1].ID)

	older.Status = meterpay.CrossChainComplete
	require.NoError(t, m.UpdateCrossChainPayment(ctx, older))

	pending, err = m.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "x2", pending[0].ID)
}

func TestSubscriptionUsage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.PutSubscription(&meterpay.Subscription{ID: "s1", UserID: "u1", AgentID: "a1", Status: meterpay.SubscriptionActive})

	require.NoError(t, m.UpdateSubscriptionUsage(ctx, "s1", true))
	require.NoError(t, m.UpdateSubscriptionUsage(ctx, "s1", false))
	require.NoError(t, m.UpdateSubscriptionUsage(ctx, "s1", false))

	s, err := m.GetSubscription(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), s.FreeTrialsUsed)
	require.Equal(t, int64(2), s.TotalPaidCalls)

	_, err = m.GetSubscription(ctx, "u1", "unknown")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.PutAgent(&meterpay.Agent{ID: "a1", Name: "summarizer", PricePerCallUSD: 0.10, Active: true})
	m.PutUser(&meterpay.User{ID: "u1", APIKey: "key-1", WalletAddress: alice, Approved: true})

	a, err := m.AgentByID(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "summarizer", a.Name)

	u, err := m.UserByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)

	_, err = m.AgentByID(ctx, "missing")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
	_, err = m.UserByAPIKey(ctx, "missing")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
}

func TestLogAPICall(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.LogAPICall(ctx, &meterpay.APICall{ID: "c1", AgentID: "a1", Success: true}))
	require.NoError(t, m.LogAPICall(ctx, &meterpay.APICall{ID: "c2", AgentID: "a1", Success: false, ErrorMessage: "upstream 500"}))

	calls := m.APICalls()
	require.Len(t, calls, 2)
	require.Equal(t, "c1", calls[0].ID)
	require.False(t, calls[1].Success)
}
