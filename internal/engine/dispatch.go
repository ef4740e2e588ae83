package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openmarketlabs/credits-engine/internal/auth"
	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

// callPlan is the outcome of pre-flight validation: who the credits are
// consumed for, what the decoded payload will settle for (nil when the
// target's pricing is opaque), whether the bid commitment must be
// published, which one-time authorization to claim, and any work owed
// after the call.
type callPlan struct {
	consumer common.Address
	kind     string
	cost     *big.Int
	bid      bool
	claim    *common.Hash
	post     func(ctx context.Context) error
}

// prepare routes the call to the target-specific validator. Known targets
// get their payload decoded and checked before any value moves; anything
// else must carry a signed one-time authorization.
func (e *Engine) prepare(ctx context.Context, args *UseCreditsArgs) (*callPlan, error) {
	switch args.Call.Target {
	case e.marketplace:
		return e.prepareMarketplace(ctx, args)
	case e.legacyMarketplace:
		return e.prepareLegacyOrder(ctx, args)
	case e.collectionStore:
		return e.prepareStoreBuy(ctx, args)
	default:
		return e.prepareCustom(ctx, args)
	}
}

func (e *Engine) prepareMarketplace(ctx context.Context, args *UseCreditsArgs) (*callPlan, error) {
	var trades []market.Trade
	var err error
	switch args.Call.Selector {
	case market.SelAcceptTrades:
		trades, err = market.DecodeAcceptTrades(args.Call.Data)
	case market.SelAcceptTradesWithCoupon:
		trades, _, err = market.DecodeAcceptTradesWithCoupon(args.Call.Data)
	default:
		return nil, ErrCallNotAllowed
	}
	if err != nil {
		return nil, err
	}

	kind, bidSigner, err := market.ValidateBatch(trades)
	if err != nil {
		return nil, err
	}
	if err := market.CheckAssets(ctx, trades, kind, e.salesFlags(), e.backend); err != nil {
		return nil, err
	}

	plan := &callPlan{
		consumer: args.Caller,
		kind:     "marketplace_" + kind.String(),
		cost:     market.CurrencyTotal(trades, kind),
	}
	if kind == market.TradeBid {
		// Bids spend the bid signer's credits, and the marketplace checks
		// the published commitment against the trade during execution.
		plan.consumer = bidSigner
		plan.bid = true
	}
	return plan, nil
}

func (e *Engine) prepareLegacyOrder(ctx context.Context, args *UseCreditsArgs) (*callPlan, error) {
	if args.Call.Selector != market.SelExecuteOrder {
		return nil, ErrCallNotAllowed
	}
	order, err := market.DecodeExecuteOrder(args.Call.Data)
	if err != nil {
		return nil, err
	}
	if !e.salesFlags().SecondarySalesAllowed {
		return nil, &market.SalesCategoryError{Category: "secondary"}
	}
	ok, err := e.backend.IsRecognizedCollection(ctx, order.NftContract)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &market.UnrecognizedCollectionError{Contract: order.NftContract}
	}

	consumer := args.Caller
	return &callPlan{
		consumer: consumer,
		kind:     "legacy_order",
		cost:     order.Price,
		// The legacy marketplace delivers the token to its caller, which
		// is the vault; hand it on to the consumer.
		post: func(ctx context.Context) error {
			if err := e.backend.ForwardERC721(ctx, order.NftContract, consumer, order.TokenId); err != nil {
				return &ExternalCallError{Target: order.NftContract, Err: err}
			}
			return nil
		},
	}, nil
}

func (e *Engine) prepareStoreBuy(ctx context.Context, args *UseCreditsArgs) (*callPlan, error) {
	if args.Call.Selector != market.SelBuy {
		return nil, ErrCallNotAllowed
	}
	items, err := market.DecodeBuy(args.Call.Data)
	if err != nil {
		return nil, err
	}
	if err := market.CheckItems(ctx, items, e.salesFlags(), e.backend); err != nil {
		return nil, err
	}
	return &callPlan{consumer: args.Caller, kind: "store_buy", cost: market.ItemsTotal(items)}, nil
}

// prepareCustom validates an arbitrary-target call: the (target, selector)
// pair must be allow-listed and the exact calldata must carry an unexpired
// one-time authorization from an external-call signer, bound to the caller.
func (e *Engine) prepareCustom(ctx context.Context, args *UseCreditsArgs) (*callPlan, error) {
	allowed, err := e.store.IsCallAllowed(ctx, args.Call.Target, args.Call.Selector)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrCallNotAllowed
	}
	if args.Call.ExpiresAt <= e.now() {
		return nil, ErrCallExpired
	}

	digest := credit.HashExternalCall(args.Caller, e.chainID, e.vaultAddr, &args.Call)
	signer, err := credit.Recover(digest, args.CallSignature)
	if err != nil {
		return nil, err
	}
	if !e.roles.IsAuthorized(auth.RoleExternalCallSigner, signer) {
		return nil, &SignatureError{Digest: common.Hash(digest), Recovered: signer}
	}

	sigHash := credit.SigHash(args.CallSignature)
	return &callPlan{consumer: args.Caller, kind: "custom", claim: &sigHash}, nil
}
