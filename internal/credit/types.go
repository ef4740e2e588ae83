package credit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Voucher is an off-chain signed claim entitling a consumer to have up to
// Value of marketplace spend covered by the issuer. The voucher fields are
// not the ledger identity; the 65-byte signature over the digest is (see
// SigHash). Two vouchers with identical fields but different salts are
// distinct economic objects.
type Voucher struct {
	Value     *big.Int `json:"value"`
	ExpiresAt int64    `json:"expires_at"`
	Salt      [32]byte `json:"salt"`
}

// ExternalCall describes the delegated call a redemption pays for. For the
// protocol-known endpoints (marketplace, legacy marketplace, collection
// store) ExpiresAt and Salt are unused; validity is structural. For custom
// targets they are part of the signed authorization.
type ExternalCall struct {
	Target    common.Address `json:"target"`
	Selector  [4]byte        `json:"selector"`
	Data      []byte         `json:"data"`
	ExpiresAt int64          `json:"expires_at"`
	Salt      [32]byte       `json:"salt"`
}

// SigHash derives the ledger key for a signature. Consumption state, the
// revocation flag, and the used-authorization flag are all keyed by this
// hash, never by the object fields.
func SigHash(sig []byte) common.Hash {
	return crypto.Keccak256Hash(sig)
}

// Redis key templates
const (
	ConsumedKeyFmt  = "credits:consumed:%s"   // %s = voucher sig hash (hex)
	RevokedKeyFmt   = "credits:revoked:%s"    // %s = voucher sig hash (hex)
	DeniedKeyFmt    = "credits:denied:%s"     // %s = consumer address (lowercase)
	UsedSigKeyFmt   = "credits:usedsig:%s"    // %s = external-call sig hash (hex)
	AllowedKeyFmt   = "credits:allowed:%s:%s" // target (lowercase), selector (hex)
	EventQueueKey   = "credits:events"
	EventArchiveKey = "credits:events:archive"
)
