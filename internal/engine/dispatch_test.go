package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

func currencyAsset(value int64) market.Asset {
	return market.Asset{
		AssetType:       uint8(market.AssetERC20),
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Value:           big.NewInt(value),
	}
}

func itemAsset(typ market.AssetType, contract common.Address) market.Asset {
	return market.Asset{
		AssetType:       uint8(typ),
		ContractAddress: contract,
		Value:           big.NewInt(1),
	}
}

func listingTrade(signer common.Address, item market.Asset, price int64) market.Trade {
	return market.Trade{
		Signer:    signer,
		Signature: []byte{0x01},
		Sent:      []market.Asset{item},
		Received:  []market.Asset{currencyAsset(price)},
	}
}

func bidTrade(signer common.Address, item market.Asset, price int64) market.Trade {
	return market.Trade{
		Signer:    signer,
		Signature: []byte{0x02},
		Sent:      []market.Asset{currencyAsset(price)},
		Received:  []market.Asset{item},
	}
}

func (r *testRig) tradeArgs(t *testing.T, trades []market.Trade, credits []CreditBundle, maxCredited int64) UseCreditsArgs {
	t.Helper()
	data, err := market.EncodeAcceptTrades(trades)
	if err != nil {
		t.Fatal(err)
	}
	return UseCreditsArgs{
		Caller:  r.consumer,
		Credits: credits,
		Call: credit.ExternalCall{
			Target:   addrMarketplace,
			Selector: market.SelAcceptTrades,
			Data:     data,
		},
		MaxCreditedValue:   big.NewInt(maxCredited),
		MaxUncreditedValue: new(big.Int),
	}
}

func TestUseCredits_MarketplaceListing(t *testing.T) {
	r := newTestRig(t)
	r.backend.payOnExecute = big.NewInt(80)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	trades := []market.Trade{listingTrade(seller, itemAsset(market.AssetERC721, addrCollection), 80)}

	v := r.voucher(t, 80)
	res, err := r.use(r.tradeArgs(t, trades, []CreditBundle{v}, 80))
	if err != nil {
		t.Fatalf("UseCredits: %v", err)
	}
	if res.Consumer != r.consumer {
		t.Errorf("consumer: got %s want caller %s", res.Consumer.Hex(), r.consumer.Hex())
	}
	if got := r.consumed(t, v); got.Cmp(big.NewInt(80)) != 0 {
		t.Errorf("consumed: got %s want 80", got)
	}
}

func TestUseCredits_MarketplaceBid(t *testing.T) {
	r := newTestRig(t)
	r.backend.payOnExecute = big.NewInt(80)
	bidder := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	trades := []market.Trade{bidTrade(bidder, itemAsset(market.AssetERC721, addrCollection), 80)}

	// The caller accepts the bid, but the credits are the bidder's
	bidderVoucher := r.voucherFor(t, bidder, 80)

	var seenCommitment common.Hash
	var seenActive bool
	r.backend.onExecute = func(common.Address, []byte) error {
		seenCommitment, seenActive = r.engine.BidCommitment()
		return nil
	}

	res, err := r.use(r.tradeArgs(t, trades, []CreditBundle{bidderVoucher}, 80))
	if err != nil {
		t.Fatalf("UseCredits: %v", err)
	}
	if res.Consumer != bidder {
		t.Errorf("consumer: got %s want bidder %s", res.Consumer.Hex(), bidder.Hex())
	}
	if got := r.consumed(t, bidderVoucher); got.Cmp(big.NewInt(80)) != 0 {
		t.Errorf("bidder voucher consumed: got %s want 80", got)
	}

	// The commitment over the voucher signatures is visible only while
	// the marketplace call executes
	if !seenActive {
		t.Fatal("bid commitment not published during execution")
	}
	want := hashCreditSignatures([]CreditBundle{bidderVoucher})
	if seenCommitment != want {
		t.Errorf("commitment: got %s want %s", seenCommitment.Hex(), want.Hex())
	}
	if _, active := r.engine.BidCommitment(); active {
		t.Error("bid commitment still active after redemption")
	}
}

func TestUseCredits_MarketplaceWrongSelector(t *testing.T) {
	r := newTestRig(t)
	args := r.buyArgs(t, []CreditBundle{r.voucher(t, 50)}, 50, 0)
	args.Call.Target = addrMarketplace // buy() aimed at the marketplace

	_, err := r.use(args)
	if !errors.Is(err, ErrCallNotAllowed) {
		t.Fatalf("expected ErrCallNotAllowed, got %v", err)
	}
}

func TestUseCredits_MarketplaceMixedBatch(t *testing.T) {
	r := newTestRig(t)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	item := itemAsset(market.AssetERC721, addrCollection)
	trades := []market.Trade{listingTrade(seller, item, 40), bidTrade(seller, item, 40)}

	_, err := r.use(r.tradeArgs(t, trades, []CreditBundle{r.voucher(t, 80)}, 80))
	if !errors.Is(err, market.ErrMixedTradeBatch) {
		t.Fatalf("expected ErrMixedTradeBatch, got %v", err)
	}
}

func TestUseCredits_BidsDisabled(t *testing.T) {
	r := newTestRig(t)
	if err := r.engine.SetFlags(context.Background(), addrAdmin, market.SalesFlags{
		PrimarySalesAllowed:   true,
		SecondarySalesAllowed: true,
	}); err != nil {
		t.Fatal(err)
	}
	bidder := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	trades := []market.Trade{bidTrade(bidder, itemAsset(market.AssetERC721, addrCollection), 40)}

	_, err := r.use(r.tradeArgs(t, trades, []CreditBundle{r.voucherFor(t, bidder, 40)}, 40))
	var catErr *market.SalesCategoryError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected SalesCategoryError, got %v", err)
	}
	if catErr.Category != "bids" {
		t.Errorf("category: got %q want bids", catErr.Category)
	}
}

func TestUseCredits_UnrecognizedCollection(t *testing.T) {
	r := newTestRig(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000c9")
	seller := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	trades := []market.Trade{listingTrade(seller, itemAsset(market.AssetERC721, stranger), 40)}

	_, err := r.use(r.tradeArgs(t, trades, []CreditBundle{r.voucher(t, 40)}, 40))
	var colErr *market.UnrecognizedCollectionError
	if !errors.As(err, &colErr) {
		t.Fatalf("expected UnrecognizedCollectionError, got %v", err)
	}
	if colErr.Contract != stranger {
		t.Errorf("contract: got %s want %s", colErr.Contract.Hex(), stranger.Hex())
	}
}

func TestUseCredits_AcceptTradesWithCoupon(t *testing.T) {
	r := newTestRig(t)
	r.backend.payOnExecute = big.NewInt(60)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	trades := []market.Trade{listingTrade(seller, itemAsset(market.AssetCollectionItem, addrCollection), 60)}
	coupons := []market.Coupon{{
		CouponAddress: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Data:          []byte{0xaa},
	}}
	data, err := market.EncodeAcceptTradesWithCoupon(trades, coupons)
	if err != nil {
		t.Fatal(err)
	}

	args := r.tradeArgs(t, trades, []CreditBundle{r.voucher(t, 60)}, 60)
	args.Call.Selector = market.SelAcceptTradesWithCoupon
	args.Call.Data = data

	if _, err := r.use(args); err != nil {
		t.Fatalf("UseCredits: %v", err)
	}
}

func TestUseCredits_LegacyOrderForwardsNFT(t *testing.T) {
	r := newTestRig(t)
	r.backend.payOnExecute = big.NewInt(70)
	order := market.Order{NftContract: addrCollection, TokenId: big.NewInt(7), Price: big.NewInt(70)}
	data, err := market.EncodeExecuteOrder(order)
	if err != nil {
		t.Fatal(err)
	}

	args := UseCreditsArgs{
		Caller:  r.consumer,
		Credits: []CreditBundle{r.voucher(t, 70)},
		Call: credit.ExternalCall{
			Target:   addrLegacy,
			Selector: market.SelExecuteOrder,
			Data:     data,
		},
		MaxCreditedValue: big.NewInt(70),
	}
	if _, err := r.use(args); err != nil {
		t.Fatalf("UseCredits: %v", err)
	}

	if len(r.backend.forwarded) != 1 {
		t.Fatalf("forwarded: got %d want 1", len(r.backend.forwarded))
	}
	fw := r.backend.forwarded[0]
	if fw.nft != addrCollection || fw.to != r.consumer || fw.tokenID.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("forwarded %s token %s to %s", fw.nft.Hex(), fw.tokenID, fw.to.Hex())
	}
}

func TestUseCredits_LegacyOrderSecondaryDisabled(t *testing.T) {
	r := newTestRig(t)
	if err := r.engine.SetFlags(context.Background(), addrAdmin, market.SalesFlags{
		PrimarySalesAllowed: true,
		BidsAllowed:         true,
	}); err != nil {
		t.Fatal(err)
	}
	order := market.Order{NftContract: addrCollection, TokenId: big.NewInt(7), Price: big.NewInt(70)}
	data, err := market.EncodeExecuteOrder(order)
	if err != nil {
		t.Fatal(err)
	}

	args := UseCreditsArgs{
		Caller:  r.consumer,
		Credits: []CreditBundle{r.voucher(t, 70)},
		Call: credit.ExternalCall{
			Target:   addrLegacy,
			Selector: market.SelExecuteOrder,
			Data:     data,
		},
		MaxCreditedValue: big.NewInt(70),
	}
	_, err = r.use(args)
	var catErr *market.SalesCategoryError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected SalesCategoryError, got %v", err)
	}
	if catErr.Category != "secondary" {
		t.Errorf("category: got %q want secondary", catErr.Category)
	}
}
