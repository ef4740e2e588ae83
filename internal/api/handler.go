package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openmarketlabs/credits-engine/internal/auth"
	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/engine"
	"github.com/openmarketlabs/credits-engine/internal/ledger"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

// Handler wires the redemption and admin routes onto a Gin engine.
type Handler struct {
	engine *engine.Engine
	store  *ledger.Store
	roles  *auth.Roles
	log    *zap.Logger
}

func NewHandler(eng *engine.Engine, store *ledger.Store, roles *auth.Roles, log *zap.Logger) *Handler {
	return &Handler{engine: eng, store: store, roles: roles, log: log}
}

// Register mounts the consumer-facing routes. The auth middleware should
// already be applied to the group so wallet_address is populated.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/credits/use", h.handleUse)
	rg.GET("/credits/remaining", h.handleRemaining)
	rg.GET("/credits/bid-commitment", h.handleBidCommitment)
}

// RegisterAdmin mounts the operator routes. Role checks happen inside the
// engine per operation; the events drain is additionally gated here since
// it bypasses the engine.
func (h *Handler) RegisterAdmin(rg *gin.RouterGroup) {
	rg.POST("/pause", h.handlePause)
	rg.POST("/unpause", h.handleUnpause)
	rg.POST("/deny", h.handleDeny)
	rg.POST("/revoke-voucher", h.handleRevokeVoucher)
	rg.POST("/revoke-call", h.handleRevokeCall)
	rg.POST("/allow-call", h.handleAllowCall)
	rg.POST("/flags", h.handleFlags)
	rg.POST("/hourly-limit", h.handleHourlyLimit)
	rg.POST("/withdraw", h.handleWithdraw)
	rg.GET("/events", auth.RequireRole(h.roles, auth.RoleAdmin), h.handleEvents)
}

// ── Wire types ───────────────────────────────────────────────────────────────

type creditDTO struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

type callDTO struct {
	Target    string `json:"target"`
	Selector  string `json:"selector"`
	Data      string `json:"data"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Salt      string `json:"salt,omitempty"`
}

type useRequest struct {
	Credits            []creditDTO `json:"credits"`
	Call               callDTO     `json:"call"`
	CallSignature      string      `json:"call_signature,omitempty"`
	MaxCreditedValue   string      `json:"max_credited_value"`
	MaxUncreditedValue string      `json:"max_uncredited_value,omitempty"`
}

// ── Redemption ───────────────────────────────────────────────────────────────

func (h *Handler) handleUse(c *gin.Context) {
	wallet := c.GetString("wallet_address")

	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	args, err := h.buildArgs(wallet, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.UseCredits(c.Request.Context(), *args)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error("useCredits failed", zap.String("wallet", wallet), zap.Error(err))
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"consumer":    res.Consumer.Hex(),
		"transferred": res.Transferred.String(),
		"credited":    res.Credited.String(),
		"uncredited":  res.Uncredited.String(),
	})
}

func (h *Handler) buildArgs(wallet string, req *useRequest) (*engine.UseCreditsArgs, error) {
	if !common.IsHexAddress(wallet) {
		return nil, errors.New("missing wallet address")
	}
	maxCredited, err := parseAmount(req.MaxCreditedValue)
	if err != nil {
		return nil, fmt.Errorf("max_credited_value: %w", err)
	}
	var maxUncredited *big.Int
	if req.MaxUncreditedValue != "" {
		if maxUncredited, err = parseAmount(req.MaxUncreditedValue); err != nil {
			return nil, fmt.Errorf("max_uncredited_value: %w", err)
		}
	}

	credits := make([]engine.CreditBundle, 0, len(req.Credits))
	for i, dto := range req.Credits {
		value, err := parseAmount(dto.Value)
		if err != nil {
			return nil, fmt.Errorf("credit %d value: %w", i, err)
		}
		salt, err := parseHash(dto.Salt)
		if err != nil {
			return nil, fmt.Errorf("credit %d salt: %w", i, err)
		}
		sig, err := parseBytes(dto.Signature)
		if err != nil {
			return nil, fmt.Errorf("credit %d signature: %w", i, err)
		}
		credits = append(credits, engine.CreditBundle{
			Voucher:   credit.Voucher{Value: value, ExpiresAt: dto.ExpiresAt, Salt: salt},
			Signature: sig,
		})
	}

	if !common.IsHexAddress(req.Call.Target) {
		return nil, errors.New("call target: invalid address")
	}
	selector, err := parseSelector(req.Call.Selector)
	if err != nil {
		return nil, fmt.Errorf("call selector: %w", err)
	}
	data, err := parseBytes(req.Call.Data)
	if err != nil {
		return nil, fmt.Errorf("call data: %w", err)
	}
	call := credit.ExternalCall{
		Target:    common.HexToAddress(req.Call.Target),
		Selector:  selector,
		Data:      data,
		ExpiresAt: req.Call.ExpiresAt,
	}
	if req.Call.Salt != "" {
		if call.Salt, err = parseHash(req.Call.Salt); err != nil {
			return nil, fmt.Errorf("call salt: %w", err)
		}
	}
	var callSig []byte
	if req.CallSignature != "" {
		if callSig, err = parseBytes(req.CallSignature); err != nil {
			return nil, fmt.Errorf("call_signature: %w", err)
		}
	}

	return &engine.UseCreditsArgs{
		Caller:             common.HexToAddress(wallet),
		Credits:            credits,
		Call:               call,
		CallSignature:      callSig,
		MaxCreditedValue:   maxCredited,
		MaxUncreditedValue: maxUncredited,
	}, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (h *Handler) handleRemaining(c *gin.Context) {
	sigHash, err := parseHash(c.Query("sig_hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sig_hash: " + err.Error()})
		return
	}
	value, err := parseAmount(c.Query("value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value: " + err.Error()})
		return
	}

	remaining, err := h.store.Remaining(c.Request.Context(), common.Hash(sigHash), value)
	if err != nil {
		h.log.Error("remaining lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sig_hash":  common.Hash(sigHash).Hex(),
		"remaining": remaining.String(),
	})
}

func (h *Handler) handleBidCommitment(c *gin.Context) {
	commitment, active := h.engine.BidCommitment()
	c.JSON(http.StatusOK, gin.H{
		"active":     active,
		"commitment": commitment.Hex(),
	})
}

// ── Admin ────────────────────────────────────────────────────────────────────

func (h *Handler) handlePause(c *gin.Context) {
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.Pause(c.Request.Context(), actor)
	})
}

func (h *Handler) handleUnpause(c *gin.Context) {
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.Unpause(c.Request.Context(), actor)
	})
}

func (h *Handler) handleDeny(c *gin.Context) {
	var req struct {
		Consumer string `json:"consumer"`
		Denied   bool   `json:"denied"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !common.IsHexAddress(req.Consumer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.SetDenied(c.Request.Context(), actor, common.HexToAddress(req.Consumer), req.Denied)
	})
}

func (h *Handler) handleRevokeVoucher(c *gin.Context) {
	sigHash, ok := h.bindSigHash(c)
	if !ok {
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.RevokeVoucher(c.Request.Context(), actor, sigHash)
	})
}

func (h *Handler) handleRevokeCall(c *gin.Context) {
	sigHash, ok := h.bindSigHash(c)
	if !ok {
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.RevokeCallAuthorization(c.Request.Context(), actor, sigHash)
	})
}

func (h *Handler) handleAllowCall(c *gin.Context) {
	var req struct {
		Target   string `json:"target"`
		Selector string `json:"selector"`
		Allowed  bool   `json:"allowed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !common.IsHexAddress(req.Target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	selector, err := parseSelector(req.Selector)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "selector: " + err.Error()})
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.SetCallAllowed(c.Request.Context(), actor, common.HexToAddress(req.Target), selector, req.Allowed)
	})
}

func (h *Handler) handleFlags(c *gin.Context) {
	var flags market.SalesFlags
	if err := c.ShouldBindJSON(&flags); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.SetFlags(c.Request.Context(), actor, flags)
	})
}

func (h *Handler) handleHourlyLimit(c *gin.Context) {
	var req struct {
		Max string `json:"max"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	max, err := parseAmount(req.Max)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max: " + err.Error()})
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.SetHourlyLimit(c.Request.Context(), actor, max)
	})
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var req struct {
		Token  string `json:"token"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount: " + err.Error()})
		return
	}
	h.adminCall(c, func(actor common.Address) error {
		return h.engine.Withdraw(c.Request.Context(), actor, common.HexToAddress(req.Token), common.HexToAddress(req.To), amount)
	})
}

// handleEvents returns the most recent archived audit events. The archive
// is fed by the audit worker; this endpoint never consumes the queue.
func (h *Handler) handleEvents(c *gin.Context) {
	const maxEvents = 100
	events, err := h.store.RecentEvents(c.Request.Context(), maxEvents)
	if err != nil {
		h.log.Error("event archive read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if events == nil {
		events = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *Handler) bindSigHash(c *gin.Context) (common.Hash, bool) {
	var req struct {
		SigHash string `json:"sig_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return common.Hash{}, false
	}
	sigHash, err := parseHash(req.SigHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sig_hash: " + err.Error()})
		return common.Hash{}, false
	}
	return common.Hash(sigHash), true
}

func (h *Handler) adminCall(c *gin.Context, op func(actor common.Address) error) {
	wallet := c.GetString("wallet_address")
	if !common.IsHexAddress(wallet) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing wallet address"})
		return
	}
	if err := op(common.HexToAddress(wallet)); err != nil {
		if errors.Is(err, engine.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		h.log.Error("admin operation failed", zap.String("wallet", wallet), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps engine failures onto HTTP statuses. Anything unmapped is
// treated as an internal failure and not echoed to the client.
func statusFor(err error) int {
	var voucherErr *engine.VoucherError
	var sigErr *engine.SignatureError
	var limitErr *ledger.HourlyLimitError
	var catErr *market.SalesCategoryError
	var colErr *market.UnrecognizedCollectionError
	var ucErr *engine.UncreditedValueError
	var cvErr *engine.CreditedValueError
	var callErr *engine.ExternalCallError

	switch {
	case errors.Is(err, engine.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrDeniedConsumer):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrReplayedCallSig):
		return http.StatusConflict
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests
	case errors.As(err, &voucherErr),
		errors.As(err, &sigErr),
		errors.As(err, &catErr),
		errors.As(err, &colErr),
		errors.As(err, &ucErr),
		errors.As(err, &cvErr),
		errors.Is(err, engine.ErrNoCredits),
		errors.Is(err, engine.ErrZeroMaxCredited),
		errors.Is(err, engine.ErrNoCreditsUsed),
		errors.Is(err, engine.ErrNoValueTransferred),
		errors.Is(err, engine.ErrCallExpired),
		errors.Is(err, engine.ErrCallNotAllowed),
		errors.Is(err, market.ErrEmptyTradeBatch),
		errors.Is(err, market.ErrMixedTradeBatch),
		errors.Is(err, market.ErrBidSignerMismatch),
		errors.Is(err, market.ErrUnsupportedTradeShape),
		errors.Is(err, market.ErrEmptyItemBatch),
		errors.Is(err, market.ErrItemPriceMismatch):
		return http.StatusUnprocessableEntity
	case errors.As(err, &callErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("invalid amount")
	}
	return v, nil
}

func parseBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("invalid hex")
	}
	return b, nil
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := parseBytes(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, errors.New("expected 32 bytes")
	}
	copy(h[:], b)
	return h, nil
}

func parseSelector(s string) ([4]byte, error) {
	var sel [4]byte
	b, err := parseBytes(s)
	if err != nil {
		return sel, err
	}
	if len(b) != 4 {
		return sel, errors.New("expected 4 bytes")
	}
	copy(sel[:], b)
	return sel, nil
}
