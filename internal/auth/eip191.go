package auth

import (
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Request signing uses personal_sign: wallets sign the raw JSON body, so
// verification applies the EIP-191 prefix before recovering the signer.

const personalPrefix = "\x19Ethereum Signed Message:\n"

var ErrBadSignatureLength = errors.New("signature must be 65 bytes")

// HashMessage returns keccak256 of msg under the personal-sign prefix.
func HashMessage(msg []byte) []byte {
	return crypto.Keccak256([]byte(personalPrefix+strconv.Itoa(len(msg))), msg)
}

// Recover returns the wallet that personal-signed msg. The recovery id is
// accepted in both the raw {0,1} and the Ethereum {27,28} encodings.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignatureLength
	}
	norm := make([]byte, crypto.SignatureLength)
	copy(norm, sig)
	if norm[crypto.RecoveryIDOffset] >= 27 {
		norm[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), norm)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
