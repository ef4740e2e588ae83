package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetType mirrors the marketplace's on-wire asset type ordinals.
type AssetType uint8

const (
	AssetERC20          AssetType = 1 // the protocol currency
	AssetUSDPeggedERC20 AssetType = 2 // currency quoted in USD, settled in the protocol currency
	AssetERC721         AssetType = 3 // secondary-sale NFT
	AssetCollectionItem AssetType = 4 // primary-sale mint
)

// IsCurrency reports whether the asset moves currency rather than items.
func (a AssetType) IsCurrency() bool {
	return a == AssetERC20 || a == AssetUSDPeggedERC20
}

// Asset is one leg of a trade.
type Asset struct {
	AssetType       uint8
	ContractAddress common.Address
	Value           *big.Int
	Beneficiary     common.Address
}

// Trade is a signed marketplace trade: the signer's Sent assets are
// exchanged for the Received assets supplied by the accepting caller.
type Trade struct {
	Signer    common.Address
	Signature []byte
	Sent      []Asset
	Received  []Asset
}

// Coupon is an opaque marketplace discount object forwarded verbatim with
// acceptTradesWithCoupon; the engine never interprets it.
type Coupon struct {
	CouponAddress common.Address
	Data          []byte
}

// ItemToBuy is one collection-store purchase line.
type ItemToBuy struct {
	Collection common.Address
	Ids        []*big.Int
	Prices     []*big.Int
}

// Order is a legacy-marketplace purchase: one NFT against a currency price.
// The purchased token lands on the engine first and is forwarded to the
// consumer after execution.
type Order struct {
	NftContract common.Address
	TokenId     *big.Int
	Price       *big.Int
}
