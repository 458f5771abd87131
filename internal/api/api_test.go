package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/feed"
	"github.com/synthfi/synth-engine/internal/manager"
	"github.com/synthfi/synth-engine/internal/resolver"
	"github.com/synthfi/synth-engine/internal/store"
	"github.com/synthfi/synth-engine/internal/token"
)

const testAdmin = "test-admin"

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestService(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	res := resolver.New(testAdmin, resolver.DefaultStaleness)
	svc := NewService(st, res, testAdmin, nil)
	svc.RegisterToken(token.NewLedgerToken("ETH"))
	svc.RegisterToken(token.NewLedgerToken("USDC"))
	return svc, svc.Routes()
}

// doJSON issues a request against the router. admin is sent as the
// capability header when non-empty.
func doJSON(t *testing.T, h http.Handler, method, path, admin string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin != "" {
		req.Header.Set("X-Admin-Token", admin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func registerFeedAndPush(t *testing.T, h http.Handler, sym string, value float64) {
	t.Helper()
	rec := doJSON(t, h, "POST", "/api/v1/feeds", testAdmin, RegisterFeedRequest{Symbol: sym})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register feed %s: status %d, body %s", sym, rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, "POST", "/api/v1/feeds/push", testAdmin, PushFeedRequest{Symbol: sym, Value: d(value)})
	if rec.Code != http.StatusOK {
		t.Fatalf("push %s: status %d, body %s", sym, rec.Code, rec.Body.String())
	}
}

func faucet(t *testing.T, h http.Handler, sym, account string, amount float64) {
	t.Helper()
	rec := doJSON(t, h, "POST", "/api/v1/tokens/faucet", testAdmin, FaucetRequest{
		Account: account, Symbol: sym, Amount: d(amount),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("faucet %s %s: status %d, body %s", sym, account, rec.Code, rec.Body.String())
	}
}

// createTradingPool builds a funded ETH/USDC pool through the API.
func createTradingPool(t *testing.T, h http.Handler) {
	t.Helper()
	registerFeedAndPush(t, h, "ETH/USD", 100)

	rec := doJSON(t, h, "POST", "/api/v1/pools", testAdmin, CreatePoolRequest{
		ID: "eth-usdc", BaseSymbol: "ETH", QuoteSymbol: "USDC",
		OracleSymbol: "ETH/USD", K: d(0.5), FeeBps: 0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: status %d, body %s", rec.Code, rec.Body.String())
	}

	faucet(t, h, "ETH", "lp", 1000)
	faucet(t, h, "USDC", "lp", 100_000)
	for _, side := range []string{"BASE", "QUOTE"} {
		amt := 1000.0
		if side == "QUOTE" {
			amt = 100_000
		}
		rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/liquidity", "", LiquidityRequest{
			Account: "lp", Side: side, Action: "DEPOSIT", Amount: d(amt),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("deposit %s: status %d, body %s", side, rec.Code, rec.Body.String())
		}
	}
}

func TestHealthz(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200", rec.Code)
	}
}

func TestFeeds_RegisterPushRead(t *testing.T) {
	_, h := newTestService(t)
	registerFeedAndPush(t, h, "ETH/USD", 2500)

	rec := doJSON(t, h, "GET", "/api/v1/prices?symbol=ETH/USD", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get price: status %d, body %s", rec.Code, rec.Body.String())
	}
	var out map[string]decimal.Decimal
	decodeBody(t, rec, &out)
	if !out["price"].Equal(d(2500)) {
		t.Errorf("price got %s, want 2500", out["price"])
	}
}

func TestFeeds_PushRequiresAdmin(t *testing.T) {
	_, h := newTestService(t)
	registerFeedAndPush(t, h, "ETH/USD", 2500)

	rec := doJSON(t, h, "POST", "/api/v1/feeds/push", "wrong-token", PushFeedRequest{Symbol: "ETH/USD", Value: d(1)})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestFeeds_RegisterRequiresAdmin(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/feeds", "wrong-token", RegisterFeedRequest{Symbol: "ETH/USD"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestPrices_UnknownSymbol(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "GET", "/api/v1/prices?symbol=DOGE/USD", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestPrices_UnsetFeedUnavailable(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/feeds", testAdmin, RegisterFeedRequest{Symbol: "ETH/USD"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d", rec.Code)
	}
	rec = doJSON(t, h, "GET", "/api/v1/prices?symbol=ETH/USD", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}

func TestRegime_SingleSampleIsBull(t *testing.T) {
	_, h := newTestService(t)
	registerFeedAndPush(t, h, "ETH/USD", 100)

	rec := doJSON(t, h, "GET", "/api/v1/regime?symbol=ETH/USD", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	decodeBody(t, rec, &out)
	if out["regime"] != "bull" {
		t.Errorf("regime got %q, want bull", out["regime"])
	}
}

func TestCreatePool_RequiresAdmin(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/pools", "wrong-token", CreatePoolRequest{
		ID: "p", BaseSymbol: "ETH", QuoteSymbol: "USDC", OracleSymbol: "ETH/USD", K: d(0.5),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestCreatePool_UnknownToken(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/pools", testAdmin, CreatePoolRequest{
		ID: "p", BaseSymbol: "DOGE", QuoteSymbol: "USDC", OracleSymbol: "DOGE/USD", K: d(0.5),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestCreatePool_DuplicateConflicts(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	rec := doJSON(t, h, "POST", "/api/v1/pools", testAdmin, CreatePoolRequest{
		ID: "eth-usdc", BaseSymbol: "ETH", QuoteSymbol: "USDC", OracleSymbol: "ETH/USD", K: d(0.5),
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409", rec.Code)
	}
}

func TestTrade_BuySettlesBothLegs(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	faucet(t, h, "USDC", "alice", 20_000)

	rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "alice", Direction: "BUY", Amount: d(10), Limit: d(20_000),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("trade: status %d, body %s", rec.Code, rec.Body.String())
	}
	var q struct {
		QuoteAmount decimal.Decimal `json:"quote_amount"`
		AvgPrice    decimal.Decimal `json:"avg_price"`
	}
	decodeBody(t, rec, &q)
	if !q.AvgPrice.GreaterThanOrEqual(d(100)) {
		t.Errorf("buy avg price %s should be at or above oracle 100", q.AvgPrice)
	}

	// The base leg landed with the buyer, the quote leg with the vault.
	rec = doJSON(t, h, "GET", "/api/v1/tokens/ETH/balance/alice", "", nil)
	var bal map[string]decimal.Decimal
	decodeBody(t, rec, &bal)
	if !bal["balance"].Equal(d(10)) {
		t.Errorf("alice ETH got %s, want 10", bal["balance"])
	}
	rec = doJSON(t, h, "GET", "/api/v1/tokens/USDC/balance/alice", "", nil)
	decodeBody(t, rec, &bal)
	if !bal["balance"].Equal(d(20_000).Sub(q.QuoteAmount)) {
		t.Errorf("alice USDC got %s, want %s", bal["balance"], d(20_000).Sub(q.QuoteAmount))
	}
}

func TestTrade_SlippageRejected(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	faucet(t, h, "USDC", "alice", 20_000)

	rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "alice", Direction: "BUY", Amount: d(10), Limit: d(1),
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestTrade_InsufficientBalance(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)

	rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "pauper", Direction: "BUY", Amount: d(10), Limit: d(20_000),
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func poolSnapshot(t *testing.T, h http.Handler, id string) (base, quote decimal.Decimal) {
	t.Helper()
	rec := doJSON(t, h, "GET", "/api/v1/pools/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get pool: status %d", rec.Code)
	}
	var state struct {
		BaseReserve  decimal.Decimal `json:"base_reserve"`
		QuoteReserve decimal.Decimal `json:"quote_reserve"`
	}
	decodeBody(t, rec, &state)
	return state.BaseReserve, state.QuoteReserve
}

func TestTrade_FailedSettlementLeavesPoolUnchanged(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	// Enough to pass nothing up front but not the executed cost.
	faucet(t, h, "USDC", "alice", 500)

	baseBefore, quoteBefore := poolSnapshot(t, h, "eth-usdc")

	rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "alice", Direction: "BUY", Amount: d(10), Limit: d(20_000),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409, body %s", rec.Code, rec.Body.String())
	}

	baseAfter, quoteAfter := poolSnapshot(t, h, "eth-usdc")
	if !baseAfter.Equal(baseBefore) || !quoteAfter.Equal(quoteBefore) {
		t.Errorf("reserves moved on a failed trade: base %s→%s, quote %s→%s",
			baseBefore, baseAfter, quoteBefore, quoteAfter)
	}

	// Neither token leg moved.
	rec = doJSON(t, h, "GET", "/api/v1/tokens/USDC/balance/alice", "", nil)
	var bal map[string]decimal.Decimal
	decodeBody(t, rec, &bal)
	if !bal["balance"].Equal(d(500)) {
		t.Errorf("alice USDC got %s, want 500", bal["balance"])
	}
	rec = doJSON(t, h, "GET", "/api/v1/tokens/ETH/balance/alice", "", nil)
	decodeBody(t, rec, &bal)
	if !bal["balance"].IsZero() {
		t.Errorf("alice ETH got %s, want 0", bal["balance"])
	}
}

func TestTrade_UnknownPool(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/pools/nope/trade", "", TradeRequest{
		Account: "alice", Direction: "BUY", Amount: d(1), Limit: d(1),
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestTrade_BadDirection(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	rec := doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "alice", Direction: "HODL", Amount: d(1), Limit: d(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestOperations_RecordedPerAccount(t *testing.T) {
	_, h := newTestService(t)
	createTradingPool(t, h)
	faucet(t, h, "USDC", "alice", 20_000)
	doJSON(t, h, "POST", "/api/v1/pools/eth-usdc/trade", "", TradeRequest{
		Account: "alice", Direction: "BUY", Amount: d(10), Limit: d(20_000),
	})

	rec := doJSON(t, h, "GET", "/api/v1/operations?account=alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var entries []map[string]interface{}
	decodeBody(t, rec, &entries)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}

	rec = doJSON(t, h, "GET", "/api/v1/operations", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing query: status %d, want 400", rec.Code)
	}
}

func TestFaucet_RequiresAdmin(t *testing.T) {
	_, h := newTestService(t)
	rec := doJSON(t, h, "POST", "/api/v1/tokens/faucet", "wrong-token", FaucetRequest{
		Account: "alice", Symbol: "ETH", Amount: d(1),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

// newSynthService wires a manager with a USDC collateral vault over the
// service so issuance can be driven end to end through HTTP.
func newSynthService(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	res := resolver.New(testAdmin, resolver.DefaultStaleness)
	svc := NewService(st, res, testAdmin, nil)

	usdc := token.NewLedgerToken("USDC")
	syn := token.NewLedgerToken("zETH")
	svc.RegisterToken(usdc)
	svc.RegisterToken(syn)

	now := time.Now().UTC()
	for sym, price := range map[string]float64{"ETH/USD": 100, "USDC/USD": 1} {
		f := feed.NewPushFeed()
		if err := f.Push(d(price), now); err != nil {
			t.Fatalf("push %s: %v", sym, err)
		}
		if err := res.RegisterFeed(testAdmin, sym, f, false, decimal.Zero); err != nil {
			t.Fatalf("register %s: %v", sym, err)
		}
	}

	m, err := manager.New("zeth", testAdmin, syn, "ETH/USD",
		[]manager.CollateralAsset{{Token: usdc, OracleSymbol: "USDC/USD"}},
		res, nil, st, manager.DefaultParams())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	svc.RegisterManager(m)

	usdc.Mint("alice", d(10_000))
	return svc, svc.Routes()
}

func TestMint_EndToEnd(t *testing.T) {
	_, h := newSynthService(t)

	rec := doJSON(t, h, "POST", "/api/v1/synth/zeth/mint", "", MintRequest{
		Account: "alice", Amount: d(10),
		Offered: map[string]decimal.Decimal{"USDC": d(10_000)},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mint: status %d, body %s", rec.Code, rec.Body.String())
	}
	var receipt struct {
		SynthMinted decimal.Decimal            `json:"synth_minted"`
		TargetRatio decimal.Decimal            `json:"target_ratio"`
		Taken       map[string]decimal.Decimal `json:"collateral_taken"`
	}
	decodeBody(t, rec, &receipt)
	if !receipt.SynthMinted.Equal(d(10)) {
		t.Errorf("minted got %s, want 10", receipt.SynthMinted)
	}
	// Bull regime: 10 * 100 * 1.2 = 1200 USDC locked.
	if !receipt.Taken["USDC"].Equal(d(1200)) {
		t.Errorf("collateral taken got %s, want 1200", receipt.Taken["USDC"])
	}

	rec = doJSON(t, h, "GET", "/api/v1/synth/zeth/positions/alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("position read: status %d", rec.Code)
	}
}

func TestMint_UnknownManager(t *testing.T) {
	_, h := newSynthService(t)
	rec := doJSON(t, h, "POST", "/api/v1/synth/nope/mint", "", MintRequest{
		Account: "alice", Amount: d(1),
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestMint_InsufficientOfferRejected(t *testing.T) {
	_, h := newSynthService(t)
	rec := doJSON(t, h, "POST", "/api/v1/synth/zeth/mint", "", MintRequest{
		Account: "alice", Amount: d(10),
		Offered: map[string]decimal.Decimal{"USDC": d(100)},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestPause_GatesMutations(t *testing.T) {
	_, h := newSynthService(t)

	rec := doJSON(t, h, "POST", "/api/v1/synth/zeth/pause", "wrong-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("pause without admin: status %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/v1/synth/zeth/pause", testAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d", rec.Code)
	}
	rec = doJSON(t, h, "POST", "/api/v1/synth/zeth/mint", "", MintRequest{
		Account: "alice", Amount: d(1),
		Offered: map[string]decimal.Decimal{"USDC": d(10_000)},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("mint while paused: status %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/v1/synth/zeth/resume", testAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status %d", rec.Code)
	}
	rec = doJSON(t, h, "POST", "/api/v1/synth/zeth/mint", "", MintRequest{
		Account: "alice", Amount: d(1),
		Offered: map[string]decimal.Decimal{"USDC": d(10_000)},
	})
	if rec.Code != http.StatusOK {
		t.Errorf("mint after resume: status %d, body %s", rec.Code, rec.Body.String())
	}
}
