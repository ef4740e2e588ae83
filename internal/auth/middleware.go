package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON document a wallet personal-signs and sends
// base64-encoded in X-Signed-Message. Action names the operation being
// authorized ("use_credits", "pause", "deny_consumer", ...); Payload
// carries the operation's arguments verbatim so the signature binds them.
type SignedRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	ExpiresAt int64           `json:"expires_at"`
}

const (
	// nonceKeyFmt holds one-shot request nonces; the TTL matches the
	// request's own expiry so the set cannot grow unbounded.
	nonceKeyFmt = "credits:auth:nonce:%s"

	// maxClockAhead bounds how far into the future a request may claim
	// to expire, which bounds every nonce TTL.
	maxClockAhead = 5 * time.Minute
)

// Middleware authenticates each request by the EIP-191 signature in its
// headers and sets wallet_address in the Gin context. A signed request is
// single-use: its nonce is claimed with SETNX for the request's lifetime.
func Middleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetHeader("X-Wallet-Address")
		message := c.GetHeader("X-Signed-Message")
		signature := c.GetHeader("X-Wallet-Signature")
		if wallet == "" || message == "" || signature == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		raw, req, err := decodeSignedRequest(message)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxClockAhead.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		signer, err := Recover(raw, sig)
		if err != nil || !strings.EqualFold(signer.Hex(), wallet) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		fresh, err := rdb.SetNX(c.Request.Context(), nonceKey(req.Nonce), 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !fresh {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set("wallet_address", wallet)
		c.Next()
	}
}

func decodeSignedRequest(b64 string) ([]byte, *SignedRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, errors.New("invalid X-Signed-Message encoding")
	}
	var req SignedRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, errors.New("invalid signed message JSON")
	}
	if req.Nonce == "" {
		return nil, nil, errors.New("missing nonce")
	}
	return raw, &req, nil
}

func nonceKey(nonce string) string {
	return fmt.Sprintf(nonceKeyFmt, nonce)
}
