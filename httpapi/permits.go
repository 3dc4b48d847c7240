package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/permits"
	"github.com/meterpay/meterpay/router"
)

// PermitService implements the permit admin operations behind the HTTP
// handlers: create-and-submit, list, status updates, and on-chain
// revocation.
type PermitService struct {
	store  meterpay.Store
	reg    *chains.Registry
	chains router.ChainSource
	log    *zap.Logger
}

// NewPermitService creates the service. A nil logger is replaced with a
// no-op one.
func NewPermitService(st meterpay.Store, reg *chains.Registry, source router.ChainSource, log *zap.Logger) *PermitService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PermitService{store: st, reg: reg, chains: source, log: log}
}

// CreatePermitRequest is the signed authorization a user hands over.
type CreatePermitRequest struct {
	UserAddress    string                   `json:"user_address" binding:"required"`
	TokenSymbol    string                   `json:"token_symbol" binding:"required"`
	ChainID        uint64                   `json:"chain_id" binding:"required"`
	SpenderAddress string                   `json:"spender_address" binding:"required"`
	Amount         string                   `json:"amount" binding:"required"`
	Nonce          uint64                   `json:"nonce"`
	Deadline       int64                    `json:"deadline" binding:"required"`
	MaxCalls       int64                    `json:"max_calls" binding:"required"`
	Signature      meterpay.Signature       `json:"signature" binding:"required"`
	TokenPermitSig *meterpay.TokenPermitSig `json:"token_permit_sig,omitempty"`
}

// RevokePermitRequest carries a zero-amount permit signature that clears
// the vault allowance for a spending lane.
type RevokePermitRequest struct {
	UserAddress    string             `json:"user_address" binding:"required"`
	TokenSymbol    string             `json:"token_symbol" binding:"required"`
	ChainID        uint64             `json:"chain_id" binding:"required"`
	SpenderAddress string             `json:"spender_address" binding:"required"`
	Nonce          uint64             `json:"nonce"`
	Deadline       int64              `json:"deadline" binding:"required"`
	Signature      meterpay.Signature `json:"signature" binding:"required"`
}

// Create verifies the signatures, stores the permit, and submits it
// on-chain. The stored row survives a failed submission, so the returned
// permit is non-nil even when the error is: a stale nonce leaves a record
// the user can see, sign over, and replace.
func (p *PermitService) Create(ctx context.Context, req *CreatePermitRequest) (*meterpay.Permit, error) {
	tok, err := p.reg.Token(req.ChainID, req.TokenSymbol)
	if err != nil {
		return nil, err
	}

	permit := &meterpay.Permit{
		ID:             uuid.NewString(),
		UserAddress:    req.UserAddress,
		TokenSymbol:    tok.Symbol,
		TokenAddress:   tok.Address,
		ChainID:        req.ChainID,
		SpenderAddress: req.SpenderAddress,
		Amount:         req.Amount,
		Nonce:          req.Nonce,
		Deadline:       req.Deadline,
		Signature:      req.Signature,
		TokenPermitSig: req.TokenPermitSig,
		Status:         meterpay.PermitActive,
		MaxCalls:       req.MaxCalls,
	}
	if _, err := permit.AmountBig(); err != nil {
		return nil, meterpay.WrapError(meterpay.KindInvalidRequest, err, "permit amount")
	}
	if permit.MaxCalls <= 0 {
		return nil, meterpay.NewError(meterpay.KindInvalidRequest, "max_calls must be positive")
	}
	if err := permits.VerifyVaultSignature(permit); err != nil {
		return nil, err
	}

	chain, err := p.chains.Chain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	if permit.TokenPermitSig != nil {
		if err := permits.VerifyTokenSignature(ctx, chain, permit, tok); err != nil {
			return nil, err
		}
	}

	if err := p.store.CreatePermit(ctx, permit); err != nil {
		return nil, fmt.Errorf("store permit: %w", err)
	}
	if err := permits.Submit(ctx, chain, permit, nil); err != nil {
		p.log.Warn("permit submission failed",
			zap.String("permit_id", permit.ID),
			zap.Uint64("chain_id", permit.ChainID),
			zap.Error(err))
		return permit, err
	}
	p.log.Info("permit submitted",
		zap.String("permit_id", permit.ID),
		zap.String("user", permit.UserAddress),
		zap.Uint64("chain_id", permit.ChainID),
		zap.String("amount", permit.Amount))
	return permit, nil
}

// List returns every permit held for a user address.
func (p *PermitService) List(ctx context.Context, userAddress string) ([]*meterpay.Permit, error) {
	if userAddress == "" {
		return nil, meterpay.NewError(meterpay.KindInvalidRequest, "userAddress query parameter is required")
	}
	return p.store.ListPermitsByUser(ctx, userAddress)
}

// UpdateStatus marks a permit revoked or expired. Reactivation is not a
// thing: a permit's signature binds one nonce, and the chain has moved on.
func (p *PermitService) UpdateStatus(ctx context.Context, id string, status meterpay.PermitStatus) (*meterpay.Permit, error) {
	switch status {
	case meterpay.PermitRevoked, meterpay.PermitExpired:
	default:
		return nil, meterpay.NewError(meterpay.KindInvalidRequest, "status must be revoked or expired, got %q", status)
	}
	if err := p.store.UpdatePermitStatus(ctx, id, status); err != nil {
		if errors.Is(err, meterpay.ErrNotFound) {
			return nil, meterpay.NewError(meterpay.KindNotFound, "permit %s not found", id)
		}
		return nil, fmt.Errorf("update permit %s: %w", id, err)
	}
	return p.store.GetPermit(ctx, id)
}

// Revoke plays a zero-amount permit on-chain, clearing the vault allowance
// for the lane, then records it. Storing the record also revokes whatever
// active permit it supersedes. The chain write comes first: a revocation
// that only changed our books would leave the allowance live.
func (p *PermitService) Revoke(ctx context.Context, req *RevokePermitRequest) (*meterpay.Permit, error) {
	tok, err := p.reg.Token(req.ChainID, req.TokenSymbol)
	if err != nil {
		return nil, err
	}

	zero := &meterpay.Permit{
		ID:             uuid.NewString(),
		UserAddress:    req.UserAddress,
		TokenSymbol:    tok.Symbol,
		TokenAddress:   tok.Address,
		ChainID:        req.ChainID,
		SpenderAddress: req.SpenderAddress,
		Amount:         "0",
		Nonce:          req.Nonce,
		Deadline:       req.Deadline,
		Signature:      req.Signature,
		Status:         meterpay.PermitRevoked,
	}
	if err := permits.VerifyVaultSignature(zero); err != nil {
		return nil, err
	}

	chain, err := p.chains.Chain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	if err := permits.Submit(ctx, chain, zero, nil); err != nil {
		return nil, err
	}
	if err := p.store.CreatePermit(ctx, zero); err != nil {
		return nil, fmt.Errorf("store revocation: %w", err)
	}
	p.log.Info("permit lane revoked",
		zap.String("user", zero.UserAddress),
		zap.Uint64("chain_id", zero.ChainID),
		zap.String("token", zero.TokenSymbol))
	return zero, nil
}

func (s *Server) handleCreatePermit(c *gin.Context) {
	var req CreatePermitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid JSON body: " + err.Error(),
			"kind":  string(meterpay.KindInvalidRequest),
		})
		return
	}
	permit, err := s.permits.Create(c.Request.Context(), &req)
	if err != nil {
		if permit != nil {
			// Stored but not submitted. The caller gets the row together
			// with the reason the chain rejected it.
			kind := meterpay.KindOf(err)
			c.AbortWithStatusJSON(meterpay.HTTPStatus(kind), gin.H{
				"error":  err.Error(),
				"kind":   string(kind),
				"permit": permit,
			})
			return
		}
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"permit": permit})
}

func (s *Server) handleListPermits(c *gin.Context) {
	list, err := s.permits.List(c.Request.Context(), c.Query("userAddress"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if list == nil {
		list = []*meterpay.Permit{}
	}
	c.JSON(http.StatusOK, gin.H{"permits": list})
}

type updatePermitRequest struct {
	Status meterpay.PermitStatus `json:"status" binding:"required"`
}

func (s *Server) handleUpdatePermit(c *gin.Context) {
	var req updatePermitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid JSON body: " + err.Error(),
			"kind":  string(meterpay.KindInvalidRequest),
		})
		return
	}
	permit, err := s.permits.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permit": permit})
}

func (s *Server) handleRevokePermit(c *gin.Context) {
	var req RevokePermitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid JSON body: " + err.Error(),
			"kind":  string(meterpay.KindInvalidRequest),
		})
		return
	}
	permit, err := s.permits.Revoke(c.Request.Context(), &req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permit": permit})
}
