package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openmarketlabs/credits-engine/internal/credit"
)

// issuer signs credit vouchers and one-time external-call authorizations
// in the JSON shape the /api/credits/use endpoint accepts.
//
//	issuer -mode voucher -key <hex> -chain-id 137 -vault 0x... -consumer 0x... -value 1000000 -ttl 24h
//	issuer -mode call -key <hex> -chain-id 137 -vault 0x... -consumer 0x... -target 0x... -selector 0xdeadbeef -data 0x... -ttl 1h

func main() {
	var (
		mode     = flag.String("mode", "voucher", "voucher | call")
		keyHex   = flag.String("key", os.Getenv("ISSUER_KEY"), "signer private key (hex)")
		chainID  = flag.Int64("chain-id", 0, "chain id of the signing domain")
		vault    = flag.String("vault", "", "vault address (verifying contract)")
		consumer = flag.String("consumer", "", "consumer address the object is bound to")
		value    = flag.String("value", "", "voucher value (decimal)")
		target   = flag.String("target", "", "call target address")
		selector = flag.String("selector", "", "4-byte call selector (hex)")
		data     = flag.String("data", "", "call argument data (hex, without selector)")
		ttl      = flag.Duration("ttl", 24*time.Hour, "validity window")
	)
	flag.Parse()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		fatal("parse key: %v", err)
	}
	if *chainID == 0 || !common.IsHexAddress(*vault) || !common.IsHexAddress(*consumer) {
		fatal("chain-id, vault, and consumer are required")
	}
	cid := big.NewInt(*chainID)
	vaultAddr := common.HexToAddress(*vault)
	consumerAddr := common.HexToAddress(*consumer)
	expiresAt := time.Now().Add(*ttl).Unix()

	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		fatal("generate salt: %v", err)
	}

	switch *mode {
	case "voucher":
		v, ok := new(big.Int).SetString(*value, 10)
		if !ok || v.Sign() <= 0 {
			fatal("value must be a positive decimal")
		}
		voucher := credit.Voucher{Value: v, ExpiresAt: expiresAt, Salt: salt}
		digest := credit.HashVoucher(consumerAddr, cid, vaultAddr, &voucher)
		sig, err := credit.Sign(digest, key)
		if err != nil {
			fatal("sign voucher: %v", err)
		}
		emit(map[string]interface{}{
			"value":      v.String(),
			"expires_at": expiresAt,
			"salt":       hexPrefix(salt[:]),
			"signature":  hexPrefix(sig),
			"sig_hash":   credit.SigHash(sig).Hex(),
			"signer":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})

	case "call":
		if !common.IsHexAddress(*target) {
			fatal("target is required for call mode")
		}
		sel, err := parse4(*selector)
		if err != nil {
			fatal("selector: %v", err)
		}
		callData, err := hex.DecodeString(strings.TrimPrefix(*data, "0x"))
		if err != nil {
			fatal("data: %v", err)
		}
		call := credit.ExternalCall{
			Target:    common.HexToAddress(*target),
			Selector:  sel,
			Data:      callData,
			ExpiresAt: expiresAt,
			Salt:      salt,
		}
		digest := credit.HashExternalCall(consumerAddr, cid, vaultAddr, &call)
		sig, err := credit.Sign(digest, key)
		if err != nil {
			fatal("sign call: %v", err)
		}
		emit(map[string]interface{}{
			"call": map[string]interface{}{
				"target":     call.Target.Hex(),
				"selector":   hexPrefix(sel[:]),
				"data":       hexPrefix(callData),
				"expires_at": expiresAt,
				"salt":       hexPrefix(salt[:]),
			},
			"call_signature": hexPrefix(sig),
			"sig_hash":       credit.SigHash(sig).Hex(),
			"signer":         crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})

	default:
		fatal("unknown mode %q", *mode)
	}
}

func parse4(s string) ([4]byte, error) {
	var sel [4]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return sel, err
	}
	if len(b) != 4 {
		return sel, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	copy(sel[:], b)
	return sel, nil
}

func hexPrefix(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func emit(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
