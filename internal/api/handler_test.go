package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openmarketlabs/credits-engine/internal/audit"
	"github.com/openmarketlabs/credits-engine/internal/auth"
	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/engine"
	"github.com/openmarketlabs/credits-engine/internal/ledger"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

// fakeChain satisfies engine.Backend with in-memory balances. Execute
// drains pay from the vault so tests control the measured value.
type fakeChain struct {
	vault       common.Address
	balances    map[common.Address]*big.Int
	collections map[common.Address]bool
	pay         *big.Int
}

func newFakeChain() *fakeChain {
	f := &fakeChain{
		vault:       common.HexToAddress("0x00000000000000000000000000000000000000fa"),
		balances:    make(map[common.Address]*big.Int),
		collections: make(map[common.Address]bool),
		pay:         new(big.Int),
	}
	f.balance(f.vault).SetInt64(1_000_000)
	return f
}

func (f *fakeChain) balance(a common.Address) *big.Int {
	b, ok := f.balances[a]
	if !ok {
		b = new(big.Int)
		f.balances[a] = b
	}
	return b
}

func (f *fakeChain) VaultAddress() common.Address { return f.vault }
func (f *fakeChain) ChainID() *big.Int            { return big.NewInt(137) }

func (f *fakeChain) VaultBalance(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.balance(f.vault)), nil
}

func (f *fakeChain) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	f.balance(f.vault).Sub(f.balance(f.vault), amount)
	f.balance(to).Add(f.balance(to), amount)
	return nil
}

func (f *fakeChain) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if f.balance(from).Cmp(amount) < 0 {
		return errors.New("insufficient balance")
	}
	f.balance(from).Sub(f.balance(from), amount)
	f.balance(to).Add(f.balance(to), amount)
	return nil
}

func (f *fakeChain) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	return nil
}

func (f *fakeChain) Execute(ctx context.Context, target common.Address, calldata []byte) error {
	f.balance(f.vault).Sub(f.balance(f.vault), f.pay)
	return nil
}

func (f *fakeChain) WithdrawToken(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return nil
}

func (f *fakeChain) ForwardERC721(ctx context.Context, nft, to common.Address, tokenID *big.Int) error {
	return nil
}

func (f *fakeChain) IsRecognizedCollection(ctx context.Context, addr common.Address) (bool, error) {
	return f.collections[addr], nil
}

// ── Harness ──────────────────────────────────────────────────────────────────

var (
	testAdmin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	testCollection = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testStoreAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

func newAPIRig(t *testing.T) (*gin.Engine, *fakeChain, *redis.Client, func(t *testing.T, consumer common.Address, value int64, salt byte) creditDTO) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	issuerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	roles := auth.NewRoles()
	roles.Grant(auth.RoleSigner, crypto.PubkeyToAddress(issuerKey.PublicKey))
	roles.Grant(auth.RoleAdmin, testAdmin)

	chain := newFakeChain()
	chain.collections[testCollection] = true

	store := ledger.New(rdb)
	limiter := ledger.NewRateLimiter(rdb, big.NewInt(1_000_000))
	eng := engine.New(engine.Params{
		Store:           store,
		Limiter:         limiter,
		Backend:         chain,
		Roles:           roles,
		CollectionStore: testStoreAddr,
		Flags: market.SalesFlags{
			PrimarySalesAllowed:   true,
			SecondarySalesAllowed: true,
			BidsAllowed:           true,
		},
		Log: zap.NewNop(),
	})

	h := NewHandler(eng, store, roles, zap.NewNop())

	router := gin.New()
	// Stand-in for the signature middleware: trust the test header
	router.Use(func(c *gin.Context) {
		c.Set("wallet_address", c.GetHeader("X-Test-Wallet"))
		c.Next()
	})
	apiGroup := router.Group("/api")
	h.Register(apiGroup)
	adminGroup := router.Group("/admin")
	h.RegisterAdmin(adminGroup)

	sign := func(t *testing.T, consumer common.Address, value int64, salt byte) creditDTO {
		t.Helper()
		v := credit.Voucher{Value: big.NewInt(value), ExpiresAt: 1 << 40}
		v.Salt[31] = salt
		digest := credit.HashVoucher(consumer, chain.ChainID(), chain.vault, &v)
		sig, err := credit.Sign(digest, issuerKey)
		if err != nil {
			t.Fatal(err)
		}
		return creditDTO{
			Value:     v.Value.String(),
			ExpiresAt: v.ExpiresAt,
			Salt:      "0x" + common.Bytes2Hex(v.Salt[:]),
			Signature: "0x" + common.Bytes2Hex(sig),
		}
	}
	return router, chain, rdb, sign
}

func doJSON(t *testing.T, router *gin.Engine, method, path, wallet string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Test-Wallet", wallet)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func buyRequest(t *testing.T, credits []creditDTO, maxCredited int64) useRequest {
	t.Helper()
	data, err := market.EncodeBuy([]market.ItemToBuy{{
		Collection: testCollection,
		Ids:        []*big.Int{big.NewInt(1)},
		Prices:     []*big.Int{big.NewInt(maxCredited)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return useRequest{
		Credits: credits,
		Call: callDTO{
			Target:   testStoreAddr.Hex(),
			Selector: "0x" + common.Bytes2Hex(market.SelBuy[:]),
			Data:     "0x" + common.Bytes2Hex(data),
		},
		MaxCreditedValue: fmt.Sprintf("%d", maxCredited),
	}
}

// ── Redemption endpoint ──────────────────────────────────────────────────────

func TestHandleUse_Success(t *testing.T) {
	router, chain, _, sign := newAPIRig(t)
	consumer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	chain.pay = big.NewInt(100)

	req := buyRequest(t, []creditDTO{sign(t, consumer, 100, 1)}, 100)
	w := doJSON(t, router, http.MethodPost, "/api/credits/use", consumer.Hex(), req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Credited   string `json:"credited"`
		Uncredited string `json:"uncredited"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Credited != "100" {
		t.Errorf("credited: got %s want 100", resp.Credited)
	}
	if resp.Uncredited != "0" {
		t.Errorf("uncredited: got %s want 0", resp.Uncredited)
	}
}

func TestHandleUse_InvalidBody(t *testing.T) {
	router, _, _, _ := newAPIRig(t)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/use", bytes.NewBufferString("{"))
	req.Header.Set("X-Test-Wallet", testAdmin.Hex())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d want 400", w.Code)
	}
}

func TestHandleUse_Paused(t *testing.T) {
	router, _, _, sign := newAPIRig(t)
	if w := doJSON(t, router, http.MethodPost, "/admin/pause", testAdmin.Hex(), nil); w.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", w.Code, w.Body.String())
	}

	consumer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	req := buyRequest(t, []creditDTO{sign(t, consumer, 100, 1)}, 100)
	w := doJSON(t, router, http.MethodPost, "/api/credits/use", consumer.Hex(), req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d want 503, body %s", w.Code, w.Body.String())
	}
}

func TestHandleUse_BadVoucherRejected(t *testing.T) {
	router, chain, _, sign := newAPIRig(t)
	consumer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	chain.pay = big.NewInt(100)

	// Voucher bound to a different consumer: recovery yields an untrusted
	// address
	req := buyRequest(t, []creditDTO{sign(t, other, 100, 1)}, 100)
	w := doJSON(t, router, http.MethodPost, "/api/credits/use", consumer.Hex(), req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d want 422, body %s", w.Code, w.Body.String())
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

func TestHandleRemaining(t *testing.T) {
	router, chain, _, sign := newAPIRig(t)
	consumer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	chain.pay = big.NewInt(60)

	dto := sign(t, consumer, 100, 1)
	req := buyRequest(t, []creditDTO{dto}, 60)
	if w := doJSON(t, router, http.MethodPost, "/api/credits/use", consumer.Hex(), req); w.Code != http.StatusOK {
		t.Fatalf("use: %d %s", w.Code, w.Body.String())
	}

	sig, err := parseBytes(dto.Signature)
	if err != nil {
		t.Fatal(err)
	}
	sigHash := credit.SigHash(sig)
	w := doJSON(t, router, http.MethodGet,
		"/api/credits/remaining?sig_hash="+sigHash.Hex()+"&value=100", consumer.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Remaining string `json:"remaining"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Remaining != "40" {
		t.Errorf("remaining: got %s want 40", resp.Remaining)
	}
}

func TestHandleBidCommitment_Idle(t *testing.T) {
	router, _, _, _ := newAPIRig(t)
	w := doJSON(t, router, http.MethodGet, "/api/credits/bid-commitment", testAdmin.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Active {
		t.Error("commitment active outside a bid redemption")
	}
}

// ── Admin endpoints ──────────────────────────────────────────────────────────

func TestAdmin_Forbidden(t *testing.T) {
	router, _, _, _ := newAPIRig(t)
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000f9")
	w := doJSON(t, router, http.MethodPost, "/admin/pause", outsider.Hex(), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status: got %d want 403", w.Code)
	}
}

func TestAdmin_DenyConsumer(t *testing.T) {
	router, _, rdb, _ := newAPIRig(t)
	consumer := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	w := doJSON(t, router, http.MethodPost, "/admin/deny", testAdmin.Hex(),
		gin.H{"consumer": consumer.Hex(), "denied": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	denied, err := ledger.New(rdb).IsDenied(context.Background(), consumer)
	if err != nil {
		t.Fatal(err)
	}
	if !denied {
		t.Error("consumer not denied after admin call")
	}
}

func TestAdmin_AllowCallBadSelector(t *testing.T) {
	router, _, _, _ := newAPIRig(t)
	w := doJSON(t, router, http.MethodPost, "/admin/allow-call", testAdmin.Hex(),
		gin.H{"target": testStoreAddr.Hex(), "selector": "0x0102", "allowed": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d want 400", w.Code)
	}
}

func TestAdmin_RecentEvents(t *testing.T) {
	router, _, rdb, _ := newAPIRig(t)
	if w := doJSON(t, router, http.MethodPost, "/admin/pause", testAdmin.Hex(), nil); w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	// The audit worker moves queued events into the archive
	if err := audit.DrainOnce(context.Background(), rdb, zap.NewNop()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/admin/events", testAdmin.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events: got %d want 1", len(resp.Events))
	}

	// The archive is read-only through this endpoint
	w = doJSON(t, router, http.MethodGet, "/admin/events", testAdmin.Hex(), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 {
		t.Errorf("events on second read: got %d want 1", len(resp.Events))
	}
}

func TestAdmin_EventsRequiresAdmin(t *testing.T) {
	router, _, _, _ := newAPIRig(t)
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000f9")
	w := doJSON(t, router, http.MethodGet, "/admin/events", outsider.Hex(), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status: got %d want 403", w.Code)
	}
}
