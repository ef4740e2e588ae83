package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openmarketlabs/credits-engine/internal/auth"
	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/ledger"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

// Backend is the chain surface the engine needs: vault snapshots, value
// settlement transfers, delegated call execution, and the collection
// oracle. Satisfied by chain.Client.
type Backend interface {
	VaultAddress() common.Address
	ChainID() *big.Int
	VaultBalance(ctx context.Context) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, spender common.Address, amount *big.Int) error
	Execute(ctx context.Context, target common.Address, calldata []byte) error
	WithdrawToken(ctx context.Context, token, to common.Address, amount *big.Int) error
	ForwardERC721(ctx context.Context, nft, to common.Address, tokenID *big.Int) error
	IsRecognizedCollection(ctx context.Context, addr common.Address) (bool, error)
}

// CreditBundle pairs a voucher with its issuer signature.
type CreditBundle struct {
	Voucher   credit.Voucher `json:"voucher"`
	Signature []byte         `json:"signature"`
}

// UseCreditsArgs is the full redemption request.
type UseCreditsArgs struct {
	Caller             common.Address
	Credits            []CreditBundle
	Call               credit.ExternalCall
	CallSignature      []byte // only meaningful for custom targets
	MaxUncreditedValue *big.Int
	MaxCreditedValue   *big.Int
}

// UseCreditsResult reports the settled amounts of a redemption.
type UseCreditsResult struct {
	Consumer    common.Address `json:"consumer"`
	Transferred *big.Int       `json:"transferred"`
	Credited    *big.Int       `json:"credited"`
	Uncredited  *big.Int       `json:"uncredited"`
}

// Params wires an Engine.
type Params struct {
	Store             *ledger.Store
	Limiter           *ledger.RateLimiter
	Backend           Backend
	Roles             *auth.Roles
	Marketplace       common.Address
	LegacyMarketplace common.Address
	CollectionStore   common.Address
	Flags             market.SalesFlags
	Log               *zap.Logger
}

// Engine is the redemption orchestrator. One redemption runs at a time:
// the mutex doubles as the reentrancy guard and is held from entry until
// every effect is committed or rolled back.
type Engine struct {
	mu sync.Mutex

	store   *ledger.Store
	limiter *ledger.RateLimiter
	backend Backend
	roles   *auth.Roles
	log     *zap.Logger

	chainID           *big.Int
	vaultAddr         common.Address
	marketplace       common.Address
	legacyMarketplace common.Address
	collectionStore   common.Address

	stateMu sync.RWMutex
	flags   market.SalesFlags
	paused  bool

	// Transient commit-then-check slot for marketplace bids: the hash of
	// the voucher signatures in flight, readable by the marketplace's
	// external check while the call executes, cleared by call end.
	bidMu         sync.RWMutex
	bidCommitment common.Hash
	bidActive     bool

	now func() int64
}

func New(p Params) *Engine {
	return &Engine{
		store:             p.Store,
		limiter:           p.Limiter,
		backend:           p.Backend,
		roles:             p.Roles,
		log:               p.Log,
		chainID:           p.Backend.ChainID(),
		vaultAddr:         p.Backend.VaultAddress(),
		marketplace:       p.Marketplace,
		legacyMarketplace: p.LegacyMarketplace,
		collectionStore:   p.CollectionStore,
		flags:             p.Flags,
		now:               func() int64 { return time.Now().Unix() },
	}
}

// UseCredits redeems vouchers against the value moved by one external
// call. Every check is a hard abort: on any failure the ledger, the rate
// limiter, and the vault are left exactly as they were, including the
// optimistic funding pull and the custom-call signature claim.
func (e *Engine) UseCredits(ctx context.Context, args UseCreditsArgs) (*UseCreditsResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isPaused() {
		return nil, ErrPaused
	}
	if args.MaxCreditedValue == nil || args.MaxCreditedValue.Sign() <= 0 {
		return nil, ErrZeroMaxCredited
	}
	if len(args.Credits) == 0 {
		return nil, ErrNoCredits
	}
	maxUncredited := args.MaxUncreditedValue
	if maxUncredited == nil {
		maxUncredited = new(big.Int)
	}

	// Classify the target and run the target-specific pre-flight checks;
	// this also resolves the consumer (bid batches override the caller).
	plan, err := e.prepare(ctx, &args)
	if err != nil {
		return nil, err
	}
	consumer := plan.consumer

	denied, err := e.store.IsDenied(ctx, consumer)
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, ErrDeniedConsumer
	}

	// Unlike a transactional settlement, the external call cannot be
	// unwound once sent, so every voucher is vetted before any value moves
	// and both economic bounds are enforced up front.
	cover, err := e.validateCredits(ctx, consumer, args.Credits)
	if err != nil {
		return nil, err
	}

	// The credited side can never exceed what the presented vouchers still
	// cover. Bounding the allowance and the rate-limit check by creditCap
	// instead of the raw maximum is what keeps a mismatched batch from
	// draining the vault.
	creditCap := new(big.Int).Set(args.MaxCreditedValue)
	if cover.Cmp(creditCap) < 0 {
		creditCap.Set(cover)
	}

	// Known targets decode to a price; reject a call the credits plus the
	// funding pull cannot possibly pay for before it executes.
	if plan.cost != nil {
		if plan.cost.Cmp(new(big.Int).Add(creditCap, maxUncredited)) > 0 {
			return nil, &UncreditedValueError{
				Uncredited: new(big.Int).Sub(plan.cost, creditCap),
				Max:        maxUncredited,
			}
		}
	}

	available, err := e.limiter.Available(ctx, e.now())
	if err != nil {
		return nil, err
	}
	if creditCap.Cmp(available) > 0 {
		return nil, &ledger.HourlyLimitError{Available: available, Requested: new(big.Int).Set(creditCap)}
	}

	// One-time authorizations are claimed before the external call runs,
	// closing the reentrancy window; the claim is released on any abort.
	if plan.claim != nil {
		ok, err := e.store.ClaimCallSig(ctx, *plan.claim)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrReplayedCallSig
		}
	}

	res, err := e.execute(ctx, &args, plan, maxUncredited, creditCap)
	if err != nil {
		if plan.claim != nil {
			if relErr := e.store.ReleaseCallSig(ctx, *plan.claim); relErr != nil {
				e.log.Error("useCredits: release call sig", zap.Error(relErr))
			}
		}
		return nil, err
	}
	return res, nil
}

// execute runs the funded portion of a redemption: pull, call, measure,
// consume, rate-limit, settle. On failure the pull is returned in full,
// net of any surplus already refunded.
func (e *Engine) execute(ctx context.Context, args *UseCreditsArgs, plan *callPlan, maxUncredited, creditCap *big.Int) (result *UseCreditsResult, err error) {
	consumer := plan.consumer
	refunded := new(big.Int)

	if maxUncredited.Sign() > 0 {
		if err := e.backend.TransferFrom(ctx, consumer, e.vaultAddr, maxUncredited); err != nil {
			return nil, fmt.Errorf("pull uncredited funding: %w", err)
		}
		defer func() {
			if err == nil {
				return
			}
			owed := new(big.Int).Sub(maxUncredited, refunded)
			if owed.Sign() <= 0 {
				return
			}
			if refundErr := e.backend.Transfer(ctx, consumer, owed); refundErr != nil {
				e.log.Error("useCredits: refund pulled funding",
					zap.String("consumer", consumer.Hex()),
					zap.Error(refundErr))
			}
		}()
	}

	if plan.bid {
		e.setBidCommitment(hashCreditSignatures(args.Credits))
		defer e.clearBidCommitment()
	}

	// The target settles against the vault by allowance; cap it at what
	// the vouchers cover plus the funding pull, and clear it after the
	// call. The allowance is the hard bound on how much the call can move.
	budget := new(big.Int).Add(creditCap, maxUncredited)
	if err := e.backend.Approve(ctx, args.Call.Target, budget); err != nil {
		return nil, fmt.Errorf("approve target: %w", err)
	}
	defer func() {
		if clrErr := e.backend.Approve(ctx, args.Call.Target, new(big.Int)); clrErr != nil {
			e.log.Error("useCredits: clear allowance", zap.Error(clrErr))
		}
	}()

	before, err := e.backend.VaultBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault balance before: %w", err)
	}
	calldata := append(args.Call.Selector[:], args.Call.Data...)
	if err := e.backend.Execute(ctx, args.Call.Target, calldata); err != nil {
		return nil, &ExternalCallError{Target: args.Call.Target, Err: err}
	}
	after, err := e.backend.VaultBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault balance after: %w", err)
	}

	// Value the call actually moved out of the vault, never the target's
	// own accounting.
	transferred := new(big.Int).Sub(before, after)
	if transferred.Sign() <= 0 {
		return nil, ErrNoValueTransferred
	}

	if plan.post != nil {
		if err := plan.post(ctx); err != nil {
			return nil, err
		}
	}

	nowTs := e.now()
	batch := e.store.NewBatch()

	target := new(big.Int).Set(transferred)
	if target.Cmp(creditCap) > 0 {
		target.Set(creditCap)
	}
	credited, err := e.consumeCredits(ctx, batch, consumer, args.Credits, target, nowTs)
	if err != nil {
		return nil, err
	}
	if credited.Sign() == 0 {
		return nil, ErrNoCreditsUsed
	}
	if credited.Cmp(args.MaxCreditedValue) > 0 {
		return nil, &CreditedValueError{Credited: credited, Max: args.MaxCreditedValue}
	}

	if err := e.limiter.CheckAndReserve(ctx, batch, credited, nowTs); err != nil {
		return nil, err
	}

	uncredited := new(big.Int).Sub(transferred, credited)
	if uncredited.Cmp(maxUncredited) > 0 {
		return nil, &UncreditedValueError{Uncredited: uncredited, Max: maxUncredited}
	}
	refund := new(big.Int).Sub(maxUncredited, uncredited)
	if refund.Sign() > 0 {
		if err := e.backend.Transfer(ctx, consumer, refund); err != nil {
			return nil, fmt.Errorf("refund unused funding: %w", err)
		}
		refunded.Set(refund)
	}

	batch.StageEvent(Event{
		Type:        "credits_used",
		Timestamp:   nowTs,
		Consumer:    consumer.Hex(),
		Target:      args.Call.Target.Hex(),
		Selector:    hex.EncodeToString(args.Call.Selector[:]),
		Transferred: transferred.String(),
		Credited:    credited.String(),
		Uncredited:  uncredited.String(),
	}.marshal())

	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	e.log.Info("credits used",
		zap.String("consumer", consumer.Hex()),
		zap.String("target", args.Call.Target.Hex()),
		zap.String("kind", plan.kind),
		zap.String("transferred", transferred.String()),
		zap.String("credited", credited.String()),
		zap.String("uncredited", uncredited.String()),
	)

	return &UseCreditsResult{
		Consumer:    consumer,
		Transferred: transferred,
		Credited:    credited,
		Uncredited:  uncredited,
	}, nil
}

// validateCredits rejects any presented voucher that could not legally be
// consumed: wrong value, expired, untrusted issuer, revoked, or already
// exhausted. Runs before funds are pulled or the external call is sent,
// and returns the total value the batch can still cover, counting each
// distinct signature once.
func (e *Engine) validateCredits(ctx context.Context, consumer common.Address, credits []CreditBundle) (*big.Int, error) {
	nowTs := e.now()
	cover := new(big.Int)
	seen := make(map[common.Hash]bool)
	for i := range credits {
		c := &credits[i]
		v := &c.Voucher

		if v.Value == nil || v.Value.Sign() <= 0 {
			return nil, &VoucherError{Index: i, Reason: ErrZeroValueVoucher}
		}
		if v.ExpiresAt <= nowTs {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherExpired}
		}

		digest := credit.HashVoucher(consumer, e.chainID, e.vaultAddr, v)
		signer, err := credit.Recover(digest, c.Signature)
		if err != nil {
			return nil, &VoucherError{Index: i, Reason: err}
		}
		if !e.roles.IsAuthorized(auth.RoleSigner, signer) {
			return nil, &VoucherError{Index: i, Reason: &SignatureError{Digest: common.Hash(digest), Recovered: signer}}
		}

		sigHash := credit.SigHash(c.Signature)
		revoked, err := e.store.IsRevoked(ctx, sigHash)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherRevoked}
		}
		consumed, err := e.store.Consumed(ctx, sigHash)
		if err != nil {
			return nil, err
		}
		if consumed.Cmp(v.Value) >= 0 {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherExhausted}
		}
		if !seen[sigHash] {
			seen[sigHash] = true
			cover.Add(cover, new(big.Int).Sub(v.Value, consumed))
		}
	}
	return cover, nil
}

// consumeCredits walks the vouchers in caller order, consuming
// min(remaining, still-to-cover) from each until target is covered. An
// exhausted voucher that is still presented is a hard failure; vouchers
// after the covering one are never touched. Staged totals are tracked in
// session so a voucher repeated within one call cannot double-spend.
func (e *Engine) consumeCredits(ctx context.Context, batch *ledger.Batch, consumer common.Address, credits []CreditBundle, target *big.Int, nowTs int64) (*big.Int, error) {
	credited := new(big.Int)
	session := make(map[common.Hash]*big.Int)

	for i := range credits {
		if credited.Cmp(target) >= 0 {
			break
		}
		c := &credits[i]
		v := &c.Voucher

		if v.Value == nil || v.Value.Sign() <= 0 {
			return nil, &VoucherError{Index: i, Reason: ErrZeroValueVoucher}
		}
		if v.ExpiresAt <= nowTs {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherExpired}
		}

		digest := credit.HashVoucher(consumer, e.chainID, e.vaultAddr, v)
		signer, err := credit.Recover(digest, c.Signature)
		if err != nil {
			return nil, &VoucherError{Index: i, Reason: err}
		}
		if !e.roles.IsAuthorized(auth.RoleSigner, signer) {
			return nil, &VoucherError{Index: i, Reason: &SignatureError{Digest: common.Hash(digest), Recovered: signer}}
		}

		sigHash := credit.SigHash(c.Signature)
		revoked, err := e.store.IsRevoked(ctx, sigHash)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherRevoked}
		}

		consumed, ok := session[sigHash]
		if !ok {
			consumed, err = e.store.Consumed(ctx, sigHash)
			if err != nil {
				return nil, err
			}
		}
		remaining := new(big.Int).Sub(v.Value, consumed)
		if remaining.Sign() <= 0 {
			return nil, &VoucherError{Index: i, Reason: ErrVoucherExhausted}
		}

		spend := new(big.Int).Sub(target, credited)
		if spend.Cmp(remaining) > 0 {
			spend.Set(remaining)
		}

		newTotal := new(big.Int).Add(consumed, spend)
		session[sigHash] = newTotal
		batch.StageConsumed(sigHash, newTotal)
		batch.StageEvent(Event{
			Type:      "credit_used",
			Timestamp: nowTs,
			Consumer:  consumer.Hex(),
			SigHash:   sigHash.Hex(),
			Amount:    spend.String(),
		}.marshal())

		credited.Add(credited, spend)
	}
	return credited, nil
}

func hashCreditSignatures(credits []CreditBundle) common.Hash {
	var all []byte
	for _, c := range credits {
		h := credit.SigHash(c.Signature)
		all = append(all, h[:]...)
	}
	return credit.SigHash(all)
}

// ── Transient bid commitment ─────────────────────────────────────────────────

func (e *Engine) setBidCommitment(h common.Hash) {
	e.bidMu.Lock()
	defer e.bidMu.Unlock()
	e.bidCommitment = h
	e.bidActive = true
}

func (e *Engine) clearBidCommitment() {
	e.bidMu.Lock()
	defer e.bidMu.Unlock()
	e.bidCommitment = common.Hash{}
	e.bidActive = false
}

// BidCommitment exposes the in-flight voucher commitment so the
// marketplace's external check can confirm which credits a bid is using.
// The second return is false outside a bid redemption.
func (e *Engine) BidCommitment() (common.Hash, bool) {
	e.bidMu.RLock()
	defer e.bidMu.RUnlock()
	return e.bidCommitment, e.bidActive
}

// ── Pause & flags ────────────────────────────────────────────────────────────

func (e *Engine) isPaused() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.paused
}

func (e *Engine) salesFlags() market.SalesFlags {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.flags
}

// Pause halts redemptions. Pausers and admins may pause.
func (e *Engine) Pause(ctx context.Context, actor common.Address) error {
	if !e.roles.IsAuthorized(auth.RolePauser, actor) && !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RolePauser, actor)
	}
	e.stateMu.Lock()
	e.paused = true
	e.stateMu.Unlock()
	return e.audit(ctx, Event{Type: "admin_pause", Actor: actor.Hex(), State: "paused"})
}

// Unpause resumes redemptions. Only admins may unpause.
func (e *Engine) Unpause(ctx context.Context, actor common.Address) error {
	if !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleAdmin, actor)
	}
	e.stateMu.Lock()
	e.paused = false
	e.stateMu.Unlock()
	return e.audit(ctx, Event{Type: "admin_unpause", Actor: actor.Hex(), State: "active"})
}

// SetFlags replaces the sales-category gates.
func (e *Engine) SetFlags(ctx context.Context, actor common.Address, flags market.SalesFlags) error {
	if !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleAdmin, actor)
	}
	e.stateMu.Lock()
	e.flags = flags
	e.stateMu.Unlock()
	return e.audit(ctx, Event{
		Type:  "admin_flags",
		Actor: actor.Hex(),
		State: fmt.Sprintf("primary=%t secondary=%t bids=%t",
			flags.PrimarySalesAllowed, flags.SecondarySalesAllowed, flags.BidsAllowed),
	})
}

// ── Admin surface ────────────────────────────────────────────────────────────

func (e *Engine) SetDenied(ctx context.Context, actor, consumer common.Address, denied bool) error {
	if !e.roles.IsAuthorized(auth.RoleDenier, actor) && !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleDenier, actor)
	}
	if err := e.store.SetDenied(ctx, consumer, denied); err != nil {
		return err
	}
	return e.audit(ctx, Event{
		Type:     "admin_denied",
		Actor:    actor.Hex(),
		Consumer: consumer.Hex(),
		State:    fmt.Sprintf("denied=%t", denied),
	})
}

// RevokeVoucher permanently blocks a voucher, identified by the hash of
// its signature bytes.
func (e *Engine) RevokeVoucher(ctx context.Context, actor common.Address, sigHash common.Hash) error {
	if !e.roles.IsAuthorized(auth.RoleRevoker, actor) && !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleRevoker, actor)
	}
	if err := e.store.Revoke(ctx, sigHash); err != nil {
		return err
	}
	return e.audit(ctx, Event{Type: "admin_revoke_voucher", Actor: actor.Hex(), SigHash: sigHash.Hex()})
}

// RevokeCallAuthorization burns a custom-call authorization.
func (e *Engine) RevokeCallAuthorization(ctx context.Context, actor common.Address, sigHash common.Hash) error {
	if !e.roles.IsAuthorized(auth.RoleRevoker, actor) && !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleRevoker, actor)
	}
	if err := e.store.RevokeCallSig(ctx, sigHash); err != nil {
		return err
	}
	return e.audit(ctx, Event{Type: "admin_revoke_call", Actor: actor.Hex(), SigHash: sigHash.Hex()})
}

// SetCallAllowed manages the custom-call (target, selector) allow-list.
func (e *Engine) SetCallAllowed(ctx context.Context, actor, target common.Address, selector [4]byte, allowed bool) error {
	if !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleAdmin, actor)
	}
	if err := e.store.SetCallAllowed(ctx, target, selector, allowed); err != nil {
		return err
	}
	return e.audit(ctx, Event{
		Type:     "admin_allow_call",
		Actor:    actor.Hex(),
		Target:   target.Hex(),
		Selector: hex.EncodeToString(selector[:]),
		State:    fmt.Sprintf("allowed=%t", allowed),
	})
}

// SetHourlyLimit adjusts the rate limiter cap.
func (e *Engine) SetHourlyLimit(ctx context.Context, actor common.Address, max *big.Int) error {
	if !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleAdmin, actor)
	}
	e.limiter.SetMax(max)
	return e.audit(ctx, Event{Type: "admin_hourly_limit", Actor: actor.Hex(), Amount: max.String()})
}

// Withdraw moves tokens held by the vault out to a recipient. Covers the
// currency token and any asset stranded by a partial external call.
func (e *Engine) Withdraw(ctx context.Context, actor, token, to common.Address, amount *big.Int) error {
	if !e.roles.IsAuthorized(auth.RoleAdmin, actor) {
		return e.forbidden(auth.RoleAdmin, actor)
	}
	if err := e.backend.WithdrawToken(ctx, token, to, amount); err != nil {
		return fmt.Errorf("withdraw %s: %w", token.Hex(), err)
	}
	return e.audit(ctx, Event{
		Type:   "admin_withdraw",
		Actor:  actor.Hex(),
		Target: token.Hex(),
		Amount: amount.String(),
		State:  fmt.Sprintf("to=%s", to.Hex()),
	})
}

func (e *Engine) forbidden(role auth.Role, actor common.Address) error {
	return fmt.Errorf("%w: %s does not hold %s", ErrForbidden, actor.Hex(), role)
}

func (e *Engine) audit(ctx context.Context, ev Event) error {
	if err := e.store.AppendEvent(ctx, ev.marshal()); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	e.log.Info("admin action", zap.String("type", ev.Type), zap.String("actor", ev.Actor))
	return nil
}
