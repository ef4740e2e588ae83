package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden          = errors.New("actor lacks required role")
	ErrPaused             = errors.New("engine is paused")
	ErrDeniedConsumer     = errors.New("consumer is denied")
	ErrNoCredits          = errors.New("no credits supplied")
	ErrZeroMaxCredited    = errors.New("maxCreditedValue must be positive")
	ErrZeroValueVoucher   = errors.New("zero-value voucher")
	ErrNoCreditsUsed      = errors.New("no credits were consumed")
	ErrNoValueTransferred = errors.New("external call transferred no value")
	ErrCallExpired        = errors.New("external call authorization expired")
	ErrCallNotAllowed     = errors.New("target/selector pair is not allowed")
	ErrReplayedCallSig    = errors.New("external call authorization already used")
)

// SignatureError reports a signature that recovered to an address without
// the required role, carrying the digest and recovered address for audit.
type SignatureError struct {
	Digest    common.Hash
	Recovered common.Address
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature: digest %s recovered %s", e.Digest.Hex(), e.Recovered.Hex())
}

// VoucherError wraps a failure attributable to one voucher in the batch.
type VoucherError struct {
	Index  int
	Reason error
}

func (e *VoucherError) Error() string {
	return fmt.Sprintf("voucher %d: %v", e.Index, e.Reason)
}

func (e *VoucherError) Unwrap() error { return e.Reason }

var (
	ErrVoucherExpired   = errors.New("voucher expired")
	ErrVoucherRevoked   = errors.New("voucher revoked")
	ErrVoucherExhausted = errors.New("voucher fully consumed")
)

// CreditedValueError reports credited value above the caller's cap.
type CreditedValueError struct {
	Credited *big.Int
	Max      *big.Int
}

func (e *CreditedValueError) Error() string {
	return fmt.Sprintf("credited value %s exceeds maximum %s", e.Credited, e.Max)
}

// UncreditedValueError reports a shortfall above what the caller agreed
// to fund.
type UncreditedValueError struct {
	Uncredited *big.Int
	Max        *big.Int
}

func (e *UncreditedValueError) Error() string {
	return fmt.Sprintf("uncredited value %s exceeds maximum %s", e.Uncredited, e.Max)
}

// ExternalCallError wraps a delegated call that reverted or could not be
// submitted.
type ExternalCallError struct {
	Target common.Address
	Err    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call to %s failed: %v", e.Target.Hex(), e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }
