package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRig(t *testing.T) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := gin.New()
	r.POST("/credits/use", Middleware(rdb), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"wallet": c.GetString("wallet_address")})
	})
	return mr, r
}

// signedUse builds a personal-signed use_credits request expiring at the
// given offset from now.
func signedUse(t *testing.T, expiresIn time.Duration, nonce string) (*http.Request, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	body, err := json.Marshal(SignedRequest{
		Action:    "use_credits",
		Payload:   json.RawMessage(`{"max_credited_value":"100"}`),
		Nonce:     nonce,
		ExpiresAt: time.Now().Add(expiresIn).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(HashMessage(body), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	req := httptest.NewRequest(http.MethodPost, "/credits/use", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(body))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return req, wallet
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body %q: %v", w.Body.String(), err)
	}
	return resp["error"]
}

func TestMiddleware_ValidRequest(t *testing.T) {
	_, r := newAuthRig(t)

	req, wallet := signedUse(t, 2*time.Minute, "4f1a")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["wallet"] != wallet {
		t.Errorf("wallet_address: got %q want %q", resp["wallet"], wallet)
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	_, r := newAuthRig(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/credits/use", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", w.Code)
	}
}

func TestMiddleware_Expired(t *testing.T) {
	_, r := newAuthRig(t)

	req, _ := signedUse(t, -time.Second, "dead")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", w.Code)
	}
	if got := errBody(t, w); got != "request expired" {
		t.Errorf("error: got %q", got)
	}
}

func TestMiddleware_ExpiryTooFarAhead(t *testing.T) {
	_, r := newAuthRig(t)

	req, _ := signedUse(t, maxClockAhead+time.Minute, "beef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", w.Code)
	}
	if got := errBody(t, w); got != "expires_at too far in future" {
		t.Errorf("error: got %q", got)
	}
}

func TestMiddleware_WalletMismatch(t *testing.T) {
	_, r := newAuthRig(t)

	// Valid signature, but the header claims a different wallet
	req, _ := signedUse(t, 2*time.Minute, "0b0b")
	req.Header.Set("X-Wallet-Address", "0x000000000000000000000000000000000000dEaD")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", w.Code)
	}
	if got := errBody(t, w); got != "invalid signature" {
		t.Errorf("error: got %q", got)
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	_, r := newAuthRig(t)

	// Same nonce from two different wallets: the second is still blocked
	req1, _ := signedUse(t, 2*time.Minute, "c0de")
	req2, _ := signedUse(t, 2*time.Minute, "c0de")

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: got %d body %s", w1.Code, w1.Body.String())
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("replay: got %d want 401", w2.Code)
	}
	if got := errBody(t, w2); got != "nonce already used" {
		t.Errorf("error: got %q", got)
	}
}

func TestMiddleware_NonceExpiresWithRequest(t *testing.T) {
	mr, r := newAuthRig(t)

	req, _ := signedUse(t, 2*time.Minute, "aa55")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}

	key := nonceKey("aa55")
	if !mr.Exists(key) {
		t.Fatal("nonce not recorded")
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists(key) {
		t.Error("nonce outlived the request expiry")
	}
}

func TestMiddleware_MissingNonce(t *testing.T) {
	_, r := newAuthRig(t)

	req, _ := signedUse(t, 2*time.Minute, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", w.Code)
	}
	if got := errBody(t, w); got != "missing nonce" {
		t.Errorf("error: got %q", got)
	}
}
