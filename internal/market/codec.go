package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Calldata codecs for the protocol-known endpoints. The engine receives
// an ExternalCall with the selector split off, so Data here is always the
// ABI-encoded argument block without the 4-byte selector.

const (
	assetTupleSig  = "(uint8,address,uint256,address)"
	tradeTupleSig  = "(address,bytes," + assetTupleSig + "[]," + assetTupleSig + "[])"
	couponTupleSig = "(address,bytes)"
	itemTupleSig   = "(address,uint256[],uint256[])"
)

// Function selectors of the allowed entry points on each known target.
var (
	SelAcceptTrades           = selector("acceptTrades(" + tradeTupleSig + "[])")
	SelAcceptTradesWithCoupon = selector("acceptTradesWithCoupon(" + tradeTupleSig + "[]," + couponTupleSig + "[])")
	SelExecuteOrder           = selector("executeOrder(address,uint256,uint256)")
	SelBuy                    = selector("buy(" + itemTupleSig + "[])")
)

func selector(sig string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

var assetComponents = []abi.ArgumentMarshaling{
	{Name: "assetType", Type: "uint8"},
	{Name: "contractAddress", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "beneficiary", Type: "address"},
}

var tradeComponents = []abi.ArgumentMarshaling{
	{Name: "signer", Type: "address"},
	{Name: "signature", Type: "bytes"},
	{Name: "sent", Type: "tuple[]", Components: assetComponents},
	{Name: "received", Type: "tuple[]", Components: assetComponents},
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("market: bad ABI type %s: %v", t, err))
	}
	return typ
}

var (
	tradesArgs = abi.Arguments{
		{Name: "trades", Type: mustType("tuple[]", tradeComponents)},
	}
	tradesWithCouponArgs = abi.Arguments{
		{Name: "trades", Type: mustType("tuple[]", tradeComponents)},
		{Name: "coupons", Type: mustType("tuple[]", []abi.ArgumentMarshaling{
			{Name: "couponAddress", Type: "address"},
			{Name: "data", Type: "bytes"},
		})},
	}
	executeOrderArgs = abi.Arguments{
		{Name: "nftContract", Type: mustType("address", nil)},
		{Name: "tokenId", Type: mustType("uint256", nil)},
		{Name: "price", Type: mustType("uint256", nil)},
	}
	buyArgs = abi.Arguments{
		{Name: "itemsToBuy", Type: mustType("tuple[]", []abi.ArgumentMarshaling{
			{Name: "collection", Type: "address"},
			{Name: "ids", Type: "uint256[]"},
			{Name: "prices", Type: "uint256[]"},
		})},
	}
)

// ── acceptTrades ─────────────────────────────────────────────────────────────

func EncodeAcceptTrades(trades []Trade) ([]byte, error) {
	return tradesArgs.Pack(trades)
}

func DecodeAcceptTrades(data []byte) ([]Trade, error) {
	out, err := tradesArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode acceptTrades: %w", err)
	}
	trades := *abi.ConvertType(out[0], new([]Trade)).(*[]Trade)
	return trades, nil
}

func EncodeAcceptTradesWithCoupon(trades []Trade, coupons []Coupon) ([]byte, error) {
	return tradesWithCouponArgs.Pack(trades, coupons)
}

func DecodeAcceptTradesWithCoupon(data []byte) ([]Trade, []Coupon, error) {
	out, err := tradesWithCouponArgs.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode acceptTradesWithCoupon: %w", err)
	}
	trades := *abi.ConvertType(out[0], new([]Trade)).(*[]Trade)
	coupons := *abi.ConvertType(out[1], new([]Coupon)).(*[]Coupon)
	return trades, coupons, nil
}

// ── executeOrder ─────────────────────────────────────────────────────────────

func EncodeExecuteOrder(o Order) ([]byte, error) {
	return executeOrderArgs.Pack(o.NftContract, o.TokenId, o.Price)
}

func DecodeExecuteOrder(data []byte) (Order, error) {
	out, err := executeOrderArgs.Unpack(data)
	if err != nil {
		return Order{}, fmt.Errorf("decode executeOrder: %w", err)
	}
	return Order{
		NftContract: *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		TokenId:     *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Price:       *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
	}, nil
}

// ── buy ──────────────────────────────────────────────────────────────────────

func EncodeBuy(items []ItemToBuy) ([]byte, error) {
	return buyArgs.Pack(items)
}

func DecodeBuy(data []byte) ([]ItemToBuy, error) {
	out, err := buyArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode buy: %w", err)
	}
	items := *abi.ConvertType(out[0], new([]ItemToBuy)).(*[]ItemToBuy)
	return items, nil
}
