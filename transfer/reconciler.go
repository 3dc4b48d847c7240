package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultStaleAfter    = 30 * time.Minute
)

// Reconciler picks up cross-chain payments that were burned but never
// finalized, usually because the process died mid-wait. It only touches
// payments that have sat pending longer than staleAfter, so it never races a
// live settlement; failed payments are left for operators.
type Reconciler struct {
	store      meterpay.Store
	engine     *Engine
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.Logger
}

// NewReconciler creates a reconciler sweeping at interval. Non-positive
// durations fall back to the defaults (5m interval, 30m staleness).
func NewReconciler(store meterpay.Store, engine *Engine, interval, staleAfter time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:      store,
		engine:     engine,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep completes every stale pending payment it can and returns how many it
// recovered.
func (r *Reconciler) Sweep(ctx context.Context) int {
	pending, err := r.store.ListPendingCrossChainPayments(ctx)
	if err != nil {
		r.log.Error("listing pending cross-chain payments", zap.Error(err))
		return 0
	}

	recovered := 0
	for _, ccp := range pending {
		if time.Since(ccp.UpdatedAt) < r.staleAfter {
			continue
		}
		r.log.Info("recovering cross-chain payment",
			zap.String("cross_chain_id", ccp.ID),
			zap.String("burn_tx", ccp.BurnTxHash),
			zap.Duration("age", time.Since(ccp.CreatedAt)))

		if _, err := r.engine.Complete(ctx, ccp); err != nil {
			r.log.Warn("recovery attempt failed",
				zap.String("cross_chain_id", ccp.ID),
				zap.Error(err))
			continue
		}
		recovered++
		r.settleBooks(ctx, ccp)
	}
	return recovered
}

// settleBooks writes the payment row for a recovered transfer. The original
// request may have recorded it already; that duplicate is expected and
// ignored.
func (r *Reconciler) settleBooks(ctx context.Context, ccp *meterpay.CrossChainPayment) {
	payment := &meterpay.Payment{
		ID:                  uuid.NewString(),
		APICallID:           ccp.APICallID,
		UserAddress:         ccp.UserAddress,
		AgentID:             ccp.AgentID,
		PermitID:            ccp.PermitID,
		Amount:              ccp.Amount,
		TokenSymbol:         ccp.TokenSymbol,
		ChainID:             ccp.TargetChainID,
		TxHash:              ccp.TargetTxHash,
		Status:              meterpay.PaymentCompleted,
		MessageHash:         ccp.MessageHash,
		CrossChainPaymentID: ccp.ID,
	}
	if err := r.store.CreatePayment(ctx, payment); err != nil && !errors.Is(err, meterpay.ErrPaymentExists) {
		r.log.Error("recording recovered payment",
			zap.String("cross_chain_id", ccp.ID),
			zap.Error(err))
	}
}
