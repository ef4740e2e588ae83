package credit

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedSignature is returned for signatures that are not 65 bytes.
// A wrong-length signature is a hard failure distinct from a signature
// that recovers to the wrong address.
var ErrMalformedSignature = errors.New("malformed signature: expected 65 bytes")

var (
	voucherTypeHash = crypto.Keccak256Hash([]byte(
		"Credit(address consumer,uint256 value,uint256 expiresAt,bytes32 salt)",
	))
	externalCallTypeHash = crypto.Keccak256Hash([]byte(
		"ExternalCall(address consumer,address target,bytes4 selector,bytes32 dataHash,uint256 expiresAt,bytes32 salt)",
	))
)

// domainSeparator computes the EIP-712 domain separator binding signatures
// to this deployment (chain + engine address).
func domainSeparator(chainID *big.Int, contractAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("Marketplace Credits"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// HashVoucher computes the EIP-712 digest an issuer signs for a voucher.
// The consumer address is part of the struct, so a voucher re-signed for a
// different consumer is a different economic object even with identical
// (value, expiresAt, salt).
func HashVoucher(consumer common.Address, chainID *big.Int, contractAddr common.Address, v *Voucher) [32]byte {
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[44:64], consumer.Bytes()) // padded address
	v.Value.FillBytes(encoded[64:96])
	big.NewInt(v.ExpiresAt).FillBytes(encoded[96:128])
	copy(encoded[128:160], v.Salt[:])

	return finalize(crypto.Keccak256Hash(encoded), chainID, contractAddr)
}

// HashExternalCall computes the EIP-712 digest the external-call signer
// signs to authorize a custom call. Data is folded in as keccak256(data)
// so arbitrarily long calldata hashes into one slot.
func HashExternalCall(consumer common.Address, chainID *big.Int, contractAddr common.Address, ec *ExternalCall) [32]byte {
	dataHash := crypto.Keccak256Hash(ec.Data)

	encoded := make([]byte, 7*32)
	copy(encoded[0:32], externalCallTypeHash[:])
	copy(encoded[44:64], consumer.Bytes())
	copy(encoded[76:96], ec.Target.Bytes())
	copy(encoded[96:100], ec.Selector[:]) // bytes4 is left-aligned
	copy(encoded[128:160], dataHash[:])
	big.NewInt(ec.ExpiresAt).FillBytes(encoded[160:192])
	copy(encoded[192:224], ec.Salt[:])

	return finalize(crypto.Keccak256Hash(encoded), chainID, contractAddr)
}

func finalize(structHash common.Hash, chainID *big.Int, contractAddr common.Address) [32]byte {
	sep := domainSeparator(chainID, contractAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs a digest with the issuer key, returning a 65-byte signature
// with V in Solidity's 27/28 convention.
func Sign(digest [32]byte, privKey *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from a 65-byte signature over digest.
// V may be 0/1 or 27/28.
func Recover(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrMalformedSignature
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
