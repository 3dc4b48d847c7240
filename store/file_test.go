package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meterpay/meterpay"
)

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	f, err := OpenFile(path)
	require.NoError(t, err)

	p := testPermit("p1", alice, 84532, usdcBase)
	p.MaxCalls = 10
	require.NoError(t, f.CreatePermit(ctx, p))
	_, err = f.IncrementPermitUsage(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, f.CreatePayment(ctx, &meterpay.Payment{ID: "pay1", APICallID: "call1", Amount: "100000"}))
	require.NoError(t, f.CreateCrossChainPayment(ctx, &meterpay.CrossChainPayment{
		ID:     "x1",
		Status: meterpay.CrossChainPending,
	}))
	f.PutSubscription(&meterpay.Subscription{ID: "s1", UserID: "u1", AgentID: "a1", Status: meterpay.SubscriptionActive})
	f.PutAgent(&meterpay.Agent{ID: "a1", Name: "summarizer", Active: true})
	f.PutUser(&meterpay.User{ID: "u1", APIKey: "key-1", Approved: true})

	reopened, err := OpenFile(path)
	require.NoError(t, err)

	got, err := reopened.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.CallsUsed)

	require.ErrorIs(t, reopened.CreatePayment(ctx, &meterpay.Payment{ID: "pay2", APICallID: "call1"}), meterpay.ErrPaymentExists,
		"call index must survive reopen")

	pending, err := reopened.ListPendingCrossChainPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	s, err := reopened.GetSubscription(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Equal(t, "s1", s.ID)

	a, err := reopened.AgentByID(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "summarizer", a.Name)

	u, err := reopened.UserByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
}

func TestFileStoreStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f, err := OpenFile(path)
	require.NoError(t, err)

	_, err = f.GetPermit(context.Background(), "nope")
	require.ErrorIs(t, err, meterpay.ErrNotFound)
}

func TestFileStoreRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenFile(path)
	require.Error(t, err)
}

func TestFileStoreLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.CreatePermit(context.Background(), testPermit("p1", alice, 84532, usdcBase)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "store.json", entries[0].Name())
}

func TestFileStoreUpdatesPersistedOnStatusChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.CreatePermit(ctx, testPermit("p1", alice, 84532, usdcBase)))
	require.NoError(t, f.UpdatePermitStatus(ctx, "p1", meterpay.PermitRevoked))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	got, err := reopened.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, meterpay.PermitRevoked, got.Status)
	require.False(t, got.UpdatedAt.IsZero())
}
