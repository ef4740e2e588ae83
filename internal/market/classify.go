package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TradeKind is the economic shape of a trade.
type TradeKind int

const (
	// TradeListing sends items from the signer against currency from the caller.
	TradeListing TradeKind = iota
	// TradeBid sends currency from the signer against items from the caller.
	// For bid batches the signer, not the caller, is the credit consumer.
	TradeBid
)

func (k TradeKind) String() string {
	if k == TradeBid {
		return "bid"
	}
	return "listing"
}

// SalesFlags gate which sale categories may be paid with credits.
type SalesFlags struct {
	PrimarySalesAllowed   bool `json:"primary_sales_allowed"`
	SecondarySalesAllowed bool `json:"secondary_sales_allowed"`
	BidsAllowed           bool `json:"bids_allowed"`
}

// CollectionOracle answers whether an address is a recognized collection,
// OR-combined over the configured factories.
type CollectionOracle interface {
	IsRecognizedCollection(ctx context.Context, addr common.Address) (bool, error)
}

var (
	ErrEmptyTradeBatch       = errors.New("empty trade batch")
	ErrMixedTradeBatch       = errors.New("trade batch mixes listings and bids")
	ErrBidSignerMismatch     = errors.New("bid batch trades have different signers")
	ErrUnsupportedTradeShape = errors.New("unsupported trade shape")
	ErrEmptyItemBatch        = errors.New("empty item batch")
	ErrItemPriceMismatch     = errors.New("item ids and prices differ in length")
)

// UnrecognizedCollectionError names the asset contract that failed the
// collection oracle.
type UnrecognizedCollectionError struct {
	Contract common.Address
}

func (e *UnrecognizedCollectionError) Error() string {
	return fmt.Sprintf("not a recognized collection: %s", e.Contract.Hex())
}

// SalesCategoryError names the disabled category that blocked the trade.
type SalesCategoryError struct {
	Category string
}

func (e *SalesCategoryError) Error() string {
	return fmt.Sprintf("sales category disabled: %s", e.Category)
}

// Classify determines a trade's kind from its asset shape: a listing sends
// items against currency, a bid sends currency against items. Anything
// else (currency for currency, items both ways, empty legs) is rejected.
func Classify(t Trade) (TradeKind, error) {
	if len(t.Sent) == 0 || len(t.Received) == 0 {
		return 0, ErrUnsupportedTradeShape
	}
	sentItems := hasItems(t.Sent)
	recvItems := hasItems(t.Received)
	switch {
	case sentItems && !recvItems:
		return TradeListing, nil
	case !sentItems && recvItems:
		return TradeBid, nil
	default:
		return 0, ErrUnsupportedTradeShape
	}
}

func hasItems(assets []Asset) bool {
	for _, a := range assets {
		if !AssetType(a.AssetType).IsCurrency() {
			return true
		}
	}
	return false
}

// ValidateBatch classifies a batch and enforces homogeneity: every trade
// must have the same kind, and bid batches must share one signer. The
// returned address is the bid signer for bid batches, zero otherwise.
func ValidateBatch(trades []Trade) (TradeKind, common.Address, error) {
	if len(trades) == 0 {
		return 0, common.Address{}, ErrEmptyTradeBatch
	}
	kind, err := Classify(trades[0])
	if err != nil {
		return 0, common.Address{}, err
	}
	for _, t := range trades[1:] {
		k, err := Classify(t)
		if err != nil {
			return 0, common.Address{}, err
		}
		if k != kind {
			return 0, common.Address{}, ErrMixedTradeBatch
		}
	}
	if kind != TradeBid {
		return kind, common.Address{}, nil
	}
	signer := trades[0].Signer
	for _, t := range trades[1:] {
		if t.Signer != signer {
			return 0, common.Address{}, ErrBidSignerMismatch
		}
	}
	return kind, signer, nil
}

// CheckAssets validates every non-currency asset in the batch against the
// collection oracle and the sales-category flags: collection items are
// primary sales, bare ERC-721s are secondary sales, and bid batches
// additionally require bids to be enabled.
func CheckAssets(ctx context.Context, trades []Trade, kind TradeKind, flags SalesFlags, oracle CollectionOracle) error {
	if kind == TradeBid && !flags.BidsAllowed {
		return &SalesCategoryError{Category: "bids"}
	}
	for _, t := range trades {
		for _, a := range append(append([]Asset{}, t.Sent...), t.Received...) {
			typ := AssetType(a.AssetType)
			if typ.IsCurrency() {
				continue
			}
			switch typ {
			case AssetCollectionItem:
				if !flags.PrimarySalesAllowed {
					return &SalesCategoryError{Category: "primary"}
				}
			case AssetERC721:
				if !flags.SecondarySalesAllowed {
					return &SalesCategoryError{Category: "secondary"}
				}
			default:
				return ErrUnsupportedTradeShape
			}
			ok, err := oracle.IsRecognizedCollection(ctx, a.ContractAddress)
			if err != nil {
				return fmt.Errorf("collection oracle: %w", err)
			}
			if !ok {
				return &UnrecognizedCollectionError{Contract: a.ContractAddress}
			}
		}
	}
	return nil
}

// CurrencyTotal sums the currency a trade batch settles against the
// vault: the received leg for listings, the sent leg for bids.
func CurrencyTotal(trades []Trade, kind TradeKind) *big.Int {
	total := new(big.Int)
	for _, t := range trades {
		leg := t.Received
		if kind == TradeBid {
			leg = t.Sent
		}
		for _, a := range leg {
			if AssetType(a.AssetType).IsCurrency() && a.Value != nil {
				total.Add(total, a.Value)
			}
		}
	}
	return total
}

// ItemsTotal sums the listed prices of a store purchase batch.
func ItemsTotal(items []ItemToBuy) *big.Int {
	total := new(big.Int)
	for _, it := range items {
		for _, p := range it.Prices {
			if p != nil {
				total.Add(total, p)
			}
		}
	}
	return total
}

// CheckItems validates a collection-store purchase batch. Store mints are
// always primary sales, and every collection must pass the oracle.
func CheckItems(ctx context.Context, items []ItemToBuy, flags SalesFlags, oracle CollectionOracle) error {
	if len(items) == 0 {
		return ErrEmptyItemBatch
	}
	if !flags.PrimarySalesAllowed {
		return &SalesCategoryError{Category: "primary"}
	}
	for _, it := range items {
		if len(it.Ids) == 0 || len(it.Ids) != len(it.Prices) {
			return ErrItemPriceMismatch
		}
		ok, err := oracle.IsRecognizedCollection(ctx, it.Collection)
		if err != nil {
			return fmt.Errorf("collection oracle: %w", err)
		}
		if !ok {
			return &UnrecognizedCollectionError{Contract: it.Collection}
		}
	}
	return nil
}
