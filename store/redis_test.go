package store

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meterpay/meterpay"
)

// newTestRedis connects to the instance named by REDIS_ADDR, using DB 15 so
// a flush never touches real data. Tests are skipped when no instance is
// available.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return NewRedis(rdb)
}

func TestRedisPermitRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	require.NoError(t, r.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))

	got, err := r.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, alice, got.UserAddress)
	require.Equal(t, meterpay.PermitActive, got.Status)

	_, err = r.GetPermit(ctx, "missing")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
}

func TestRedisCreatePermitSupersedes(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	require.NoError(t, r.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))
	require.NoError(t, r.CreatePermit(ctx, testPermit("p2", alice, 84532, usdcBase)))

	p1, err := r.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitRevoked, p1.Status)

	permits, err := r.ListPermitsByUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, permits, 2)
}

func TestRedisIncrementPermitUsage(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	p := testPermit("p1", alice, 84532, usdcBase)
	p.MaxCalls = 2
	require.NoError(t, r.CreatePermit(ctx, p))

	n, err := r.IncrementPermitUsage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = r.IncrementPermitUsage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, err := r.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitExhausted, got.Status)
}

func TestRedisCreatePaymentRejectsDuplicateCall(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	require.NoError(t, r.CreatePayment(ctx, &meterpay.Payment{ID: "pay1", APICallID: "call1"}))
	require.ErrorIs(t, r.CreatePayment(ctx, &meterpay.Payment{ID: "pay2", APICallID: "call1"}), meterpay.ErrPaymentExists)
}

func TestRedisPendingCrossChain(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	cp := &meterpay.CrossChainPayment{ID: "x1", Status: meterpay.CrossChainPending}
	require.NoError(t, r.CreateCrossChainPayment(ctx, cp))

	pending, err := r.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cp.Status = meterpay.CrossChainComplete
	require.NoError(t, r.UpdateCrossChainPayment(ctx, cp))

	pending, err = r.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRedisSubscriptions(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	require.NoError(t, r.PutSubscription(ctx, &meterpay.Subscription{ID: "s1", UserID: "u1", AgentID: "a1", Status: meterpay.SubscriptionActive}))
	require.NoError(t, r.UpdateSubscriptionUsage(ctx, "s1", false))

	s, err := r.GetSubscription(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), s.TotalPaidCalls)
}
