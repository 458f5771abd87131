// Package api provides the HTTP handlers for feeds, pools, synthetic
// issuance and the perpetual book.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/feed"
	"github.com/synthfi/synth-engine/internal/manager"
	"github.com/synthfi/synth-engine/internal/metrics"
	"github.com/synthfi/synth-engine/internal/model"
	"github.com/synthfi/synth-engine/internal/perp"
	"github.com/synthfi/synth-engine/internal/pmm"
	"github.com/synthfi/synth-engine/internal/resolver"
	"github.com/synthfi/synth-engine/internal/risk"
	"github.com/synthfi/synth-engine/internal/store"
	"github.com/synthfi/synth-engine/internal/symbol"
	"github.com/synthfi/synth-engine/internal/token"
)

// Service wires the engine's components behind HTTP. Trades and
// settlements serialize on one mutex (single-instance); for horizontal
// scaling, replace with distributed locking.
type Service struct {
	store    store.Store
	resolver *resolver.Resolver
	admin    string
	wsHub    *WSHub // optional, nil disables broadcasts

	mu       sync.Mutex // serializes trades and settlements
	registry sync.RWMutex
	tokens   map[string]token.Token
	feeds    map[string]*feed.PushFeed
	pools    map[string]*pmm.Pool
	managers map[string]*manager.Manager
	books    map[string]*perp.Book
}

// NewService creates the HTTP service. admin is the capability token
// checked on administrative routes; it must match the resolver's admin.
func NewService(st store.Store, res *resolver.Resolver, admin string, hub *WSHub) *Service {
	return &Service{
		store:    st,
		resolver: res,
		admin:    admin,
		wsHub:    hub,
		tokens:   make(map[string]token.Token),
		feeds:    make(map[string]*feed.PushFeed),
		pools:    make(map[string]*pmm.Pool),
		managers: make(map[string]*manager.Manager),
		books:    make(map[string]*perp.Book),
	}
}

// RegisterToken adds a settlement token to the service's registry.
func (s *Service) RegisterToken(t token.Token) {
	s.registry.Lock()
	defer s.registry.Unlock()
	s.tokens[t.Symbol()] = t
}

// RegisterPool adds a pool and its vault settlement tokens.
func (s *Service) RegisterPool(p *pmm.Pool) {
	s.registry.Lock()
	defer s.registry.Unlock()
	s.pools[p.ID] = p
	metrics.ActivePools.Set(float64(len(s.pools)))
}

// RegisterManager adds a collateral manager.
func (s *Service) RegisterManager(m *manager.Manager) {
	s.registry.Lock()
	defer s.registry.Unlock()
	s.managers[m.ID] = m
}

// RegisterBook adds a perpetual book.
func (s *Service) RegisterBook(b *perp.Book) {
	s.registry.Lock()
	defer s.registry.Unlock()
	s.books[b.ID] = b
}

func (s *Service) tokenBySymbol(sym string) (token.Token, bool) {
	s.registry.RLock()
	defer s.registry.RUnlock()
	t, ok := s.tokens[sym]
	return t, ok
}

func (s *Service) poolByID(id string) (*pmm.Pool, bool) {
	s.registry.RLock()
	defer s.registry.RUnlock()
	p, ok := s.pools[id]
	return p, ok
}

func (s *Service) managerByID(id string) (*manager.Manager, bool) {
	s.registry.RLock()
	defer s.registry.RUnlock()
	m, ok := s.managers[id]
	return m, ok
}

func (s *Service) bookByID(id string) (*perp.Book, bool) {
	s.registry.RLock()
	defer s.registry.RUnlock()
	b, ok := s.books[id]
	return b, ok
}

// poolVault is the ledger account holding a pool's reserves.
func poolVault(poolID string) string { return "pool:" + poolID }

// Routes builds the chi router for the service.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method("GET", "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/feeds", s.RegisterFeed)
		r.Post("/feeds/push", s.PushFeedValue)
		r.Post("/feeds/disable", s.DisableFeed)
		r.Post("/feeds/reference", s.SetReferencePrice)
		r.Get("/prices", s.GetPrice)
		r.Get("/prices/average", s.GetAveragePrice)
		r.Get("/regime", s.GetRegime)

		r.Post("/pools", s.CreatePool)
		r.Get("/pools", s.ListPools)
		r.Get("/pools/{poolID}", s.GetPool)
		r.Get("/pools/{poolID}/midprice", s.GetMidPrice)
		r.Post("/pools/{poolID}/quote", s.QuoteTrade)
		r.Post("/pools/{poolID}/trade", s.ExecuteTrade)
		r.Post("/pools/{poolID}/liquidity", s.ChangeLiquidity)
		r.Get("/pools/{poolID}/history", s.GetPoolHistory)

		r.Post("/synth/{managerID}/mint", s.MintSynthetic)
		r.Post("/synth/{managerID}/redeem", s.RedeemSynthetic)
		r.Post("/synth/{managerID}/collateral", s.ChangeCollateral)
		r.Get("/synth/{managerID}/positions", s.ListSynthPositions)
		r.Get("/synth/{managerID}/positions/{account}", s.GetSynthPosition)
		r.Get("/synth/{managerID}/liquidate/{account}", s.CheckSynthLiquidation)
		r.Post("/synth/{managerID}/liquidate", s.LiquidateSynthPosition)
		r.Post("/synth/{managerID}/pause", s.PauseManager)
		r.Post("/synth/{managerID}/resume", s.ResumeManager)

		r.Post("/perp/{bookID}/open", s.OpenPerp)
		r.Post("/perp/{bookID}/close", s.ClosePerp)
		r.Get("/perp/{bookID}/positions/{account}", s.GetPerpPosition)
		r.Get("/perp/{bookID}/liquidate/{account}", s.CheckPerpLiquidation)
		r.Post("/perp/{bookID}/liquidate", s.LiquidatePerpPosition)

		r.Post("/tokens/faucet", s.Faucet)
		r.Get("/tokens/{symbol}/balance/{account}", s.GetBalance)

		r.Get("/operations", s.GetOperations)

		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}
	})
	return r
}

// adminCaller extracts the capability token from the request. Admin
// routes pass it straight to the component's own authorization check.
func adminCaller(r *http.Request) string {
	return r.Header.Get("X-Admin-Token")
}

// --- Feed handlers ---

// RegisterFeedRequest is the JSON body for POST /feeds.
type RegisterFeedRequest struct {
	Symbol   string          `json:"symbol"`
	Invert   bool            `json:"invert"`
	Fallback decimal.Decimal `json:"fallback"`
}

// RegisterFeed handles POST /api/v1/feeds. Creates a push feed and
// registers it with the resolver.
func (s *Service) RegisterFeed(w http.ResponseWriter, r *http.Request) {
	var req RegisterFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	f := feed.NewPushFeed()
	if err := s.resolver.RegisterFeed(adminCaller(r), req.Symbol, f, req.Invert, req.Fallback); err != nil {
		writeDomainError(w, err)
		return
	}

	s.registry.Lock()
	s.feeds[req.Symbol] = f
	s.registry.Unlock()

	slog.Info("feed registered", "symbol", req.Symbol, "invert", req.Invert)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"symbol": req.Symbol})
}

// PushFeedRequest is the JSON body for POST /feeds/push.
type PushFeedRequest struct {
	Symbol string          `json:"symbol"`
	Value  decimal.Decimal `json:"value"`
}

// PushFeedValue handles POST /api/v1/feeds/push.
func (s *Service) PushFeedValue(w http.ResponseWriter, r *http.Request) {
	if adminCaller(r) != s.admin {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req PushFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.registry.RLock()
	f, ok := s.feeds[req.Symbol]
	s.registry.RUnlock()
	if !ok {
		writeError(w, "no push feed for symbol: "+req.Symbol, http.StatusNotFound)
		return
	}
	if err := f.Push(req.Value, time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}
	if v, err := f.Value(); err == nil {
		pf, _ := v.Float64()
		metrics.OraclePrice.WithLabelValues(req.Symbol).Set(pf)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"symbol": req.Symbol, "value": req.Value.String()})
}

// DisableFeedRequest is the JSON body for POST /feeds/disable.
type DisableFeedRequest struct {
	Symbol   string `json:"symbol"`
	Disabled bool   `json:"disabled"`
}

// DisableFeed handles POST /api/v1/feeds/disable.
func (s *Service) DisableFeed(w http.ResponseWriter, r *http.Request) {
	var req DisableFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.resolver.SetDisabled(adminCaller(r), req.Symbol, req.Disabled); err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"disabled": req.Disabled})
}

// ReferencePriceRequest is the JSON body for POST /feeds/reference.
type ReferencePriceRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// SetReferencePrice handles POST /api/v1/feeds/reference.
func (s *Service) SetReferencePrice(w http.ResponseWriter, r *http.Request) {
	var req ReferencePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.resolver.SetReferencePrice(adminCaller(r), req.Symbol, req.Price); err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"symbol": req.Symbol, "price": req.Price.String()})
}

// GetPrice handles GET /api/v1/prices?symbol=ETH/USD
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	price, err := s.resolver.GetPrice(sym)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"price": price})
}

// GetAveragePrice handles GET /api/v1/prices/average?symbol=&window_days=
func (s *Service) GetAveragePrice(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	days, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	if days <= 0 {
		days = 30
	}
	avg, err := s.resolver.GetAveragePrice(sym, days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"average": avg})
}

// GetRegime handles GET /api/v1/regime?symbol=&window_days=
func (s *Service) GetRegime(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	days, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	if days <= 0 {
		days = 30
	}
	bull, err := s.resolver.IsBullMarket(sym, days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	regime := "bear"
	if bull {
		regime = "bull"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"regime": regime})
}

// --- Pool handlers ---

// CreatePoolRequest is the JSON body for POST /pools.
type CreatePoolRequest struct {
	ID           string          `json:"id"`
	BaseSymbol   string          `json:"base_symbol"`
	QuoteSymbol  string          `json:"quote_symbol"`
	OracleSymbol string          `json:"oracle_symbol"`
	K            decimal.Decimal `json:"k"`
	FeeBps       int64           `json:"fee_bps"`
}

// CreatePool handles POST /api/v1/pools.
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	if adminCaller(r) != s.admin {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.BaseSymbol == "" || req.QuoteSymbol == "" {
		writeError(w, "id, base_symbol and quote_symbol are required", http.StatusBadRequest)
		return
	}
	if _, ok := s.tokenBySymbol(req.BaseSymbol); !ok {
		writeError(w, "unknown base token: "+req.BaseSymbol, http.StatusBadRequest)
		return
	}
	if _, ok := s.tokenBySymbol(req.QuoteSymbol); !ok {
		writeError(w, "unknown quote token: "+req.QuoteSymbol, http.StatusBadRequest)
		return
	}
	if _, exists := s.poolByID(req.ID); exists {
		writeError(w, "pool already exists: "+req.ID, http.StatusConflict)
		return
	}

	p, err := pmm.NewPool(req.ID, req.BaseSymbol, req.QuoteSymbol, req.OracleSymbol, req.K, req.FeeBps, s.resolver)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.RegisterPool(p)

	state := p.Snapshot()
	if err := s.store.UpsertPool(r.Context(), &state); err != nil {
		slog.Error("pool persist failed", "pool", p.ID, "error", err)
	}

	slog.Info("pool created", "id", req.ID, "base", req.BaseSymbol, "quote", req.QuoteSymbol, "k", req.K.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(state)
}

// ListPools handles GET /api/v1/pools.
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	s.registry.RLock()
	states := make([]model.PoolState, 0, len(s.pools))
	for _, p := range s.pools {
		states = append(states, p.Snapshot())
	}
	s.registry.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}

// GetPool handles GET /api/v1/pools/{poolID}.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, ok := s.poolByID(chi.URLParam(r, "poolID"))
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Snapshot())
}

// GetMidPrice handles GET /api/v1/pools/{poolID}/midprice.
func (s *Service) GetMidPrice(w http.ResponseWriter, r *http.Request) {
	p, ok := s.poolByID(chi.URLParam(r, "poolID"))
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	mid, err := p.MidPrice()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"mid_price": mid})
}

// TradeRequest is the JSON body for quotes and trades.
type TradeRequest struct {
	Account   string          `json:"account"`
	Direction string          `json:"direction"` // "BUY" or "SELL" (of base)
	Amount    decimal.Decimal `json:"amount"`
	Limit     decimal.Decimal `json:"limit"` // max quote in (BUY) / min quote out (SELL)
}

// QuoteTrade handles POST /api/v1/pools/{poolID}/quote.
func (s *Service) QuoteTrade(w http.ResponseWriter, r *http.Request) {
	p, ok := s.poolByID(chi.URLParam(r, "poolID"))
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var q pmm.TradeQuote
	var err error
	switch req.Direction {
	case "BUY":
		q, err = p.QuoteBuyBase(req.Amount)
	case "SELL":
		q, err = p.QuoteSellBase(req.Amount)
	default:
		writeError(w, "direction must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// ExecuteTrade handles POST /api/v1/pools/{poolID}/trade.
// Executes against the curve and settles both token legs.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	p, ok := s.poolByID(poolID)
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	if req.Direction != "BUY" && req.Direction != "SELL" {
		writeError(w, "direction must be BUY or SELL", http.StatusBadRequest)
		return
	}

	base, _ := s.tokenBySymbol(p.BaseSymbol)
	quote, _ := s.tokenBySymbol(p.QuoteSymbol)
	if base == nil || quote == nil {
		writeError(w, "pool tokens not registered", http.StatusInternalServerError)
		return
	}

	start := time.Now()

	// Serialize execution so the curve state and the token ledger
	// cannot diverge mid-trade.
	s.mu.Lock()
	defer s.mu.Unlock()

	// The pool prices once and commits its reserves only after both
	// token legs settle; a failed leg (with the first undone) aborts
	// the whole trade with no state change anywhere.
	vault := poolVault(poolID)
	var q pmm.TradeQuote
	var err error
	if req.Direction == "BUY" {
		q, err = p.ExecuteBuy(req.Amount, req.Limit, func(q pmm.TradeQuote) error {
			if terr := quote.Transfer(req.Account, vault, q.QuoteAmount); terr != nil {
				return terr
			}
			if terr := base.Transfer(vault, req.Account, req.Amount); terr != nil {
				quote.Transfer(vault, req.Account, q.QuoteAmount)
				return terr
			}
			return nil
		})
	} else {
		q, err = p.ExecuteSell(req.Amount, req.Limit, func(q pmm.TradeQuote) error {
			if terr := base.Transfer(req.Account, vault, req.Amount); terr != nil {
				return terr
			}
			if terr := quote.Transfer(vault, req.Account, q.QuoteAmount); terr != nil {
				base.Transfer(vault, req.Account, req.Amount)
				return terr
			}
			return nil
		})
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(poolID, req.Direction).Inc()
	metrics.TradeLatency.WithLabelValues(req.Direction).Observe(time.Since(start).Seconds())

	state := p.Snapshot()
	if err := s.store.UpsertPool(r.Context(), &state); err != nil {
		slog.Error("pool persist failed", "pool", poolID, "error", err)
	}
	s.recordOp(r, req.Account, "pool", poolID, tradeOpKind(req.Direction), req.Amount, q.AvgPrice, q.QuoteAmount)

	slog.Info("trade executed",
		"pool", poolID,
		"account", req.Account,
		"direction", req.Direction,
		"amount", req.Amount.String(),
		"quote_amount", q.QuoteAmount.String(),
		"avg_price", q.AvgPrice.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_executed",
			PoolID:      poolID,
			Direction:   req.Direction,
			BaseAmount:  req.Amount.String(),
			QuoteAmount: q.QuoteAmount.String(),
			Price:       q.AvgPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

func tradeOpKind(direction string) string {
	if direction == "BUY" {
		return model.OpBuyBase
	}
	return model.OpSellBase
}

// LiquidityRequest is the JSON body for POST /pools/{poolID}/liquidity.
type LiquidityRequest struct {
	Account string          `json:"account"`
	Side    string          `json:"side"`   // "BASE" or "QUOTE"
	Action  string          `json:"action"` // "DEPOSIT" or "WITHDRAW"
	Amount  decimal.Decimal `json:"amount"`
}

// ChangeLiquidity handles POST /api/v1/pools/{poolID}/liquidity.
func (s *Service) ChangeLiquidity(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	p, ok := s.poolByID(poolID)
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	var sym string
	switch req.Side {
	case "BASE":
		sym = p.BaseSymbol
	case "QUOTE":
		sym = p.QuoteSymbol
	default:
		writeError(w, "side must be BASE or QUOTE", http.StatusBadRequest)
		return
	}
	tok, ok := s.tokenBySymbol(sym)
	if !ok {
		writeError(w, "pool tokens not registered", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	var opKind string
	switch req.Action {
	case "DEPOSIT":
		opKind = model.OpDepositLiquidity
		if err = tok.Transfer(req.Account, poolVault(poolID), req.Amount); err == nil {
			if req.Side == "BASE" {
				err = p.DepositBase(req.Account, req.Amount)
			} else {
				err = p.DepositQuote(req.Account, req.Amount)
			}
			if err != nil {
				// Undo the transfer so the vault matches the reserves.
				tok.Transfer(poolVault(poolID), req.Account, req.Amount)
			}
		}
	case "WITHDRAW":
		opKind = model.OpWithdrawLiq
		if req.Side == "BASE" {
			err = p.WithdrawBase(req.Account, req.Amount)
		} else {
			err = p.WithdrawQuote(req.Account, req.Amount)
		}
		if err == nil {
			err = tok.Transfer(poolVault(poolID), req.Account, req.Amount)
		}
	default:
		writeError(w, "action must be DEPOSIT or WITHDRAW", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	state := p.Snapshot()
	if serr := s.store.UpsertPool(r.Context(), &state); serr != nil {
		slog.Error("pool persist failed", "pool", poolID, "error", serr)
	}
	s.recordOp(r, req.Account, "pool", poolID, opKind, req.Amount, decimal.Zero, decimal.Zero)

	slog.Info("liquidity changed",
		"pool", poolID,
		"account", req.Account,
		"side", req.Side,
		"action", req.Action,
		"amount", req.Amount.String(),
	)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

// GetPoolHistory handles GET /api/v1/pools/{poolID}/history.
func (s *Service) GetPoolHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetOperationsByRef(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, "failed to get pool history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.OperationEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// --- Token handlers ---

// FaucetRequest is the JSON body for POST /tokens/faucet.
type FaucetRequest struct {
	Account string          `json:"account"`
	Symbol  string          `json:"symbol"`
	Amount  decimal.Decimal `json:"amount"`
}

// Faucet handles POST /api/v1/tokens/faucet. Admin-only issuance for
// development and testing environments.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	if adminCaller(r) != s.admin {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tok, ok := s.tokenBySymbol(req.Symbol)
	if !ok {
		writeError(w, "unknown token: "+req.Symbol, http.StatusNotFound)
		return
	}
	if err := tok.Mint(req.Account, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"account": req.Account,
		"symbol":  req.Symbol,
		"balance": tok.BalanceOf(req.Account).String(),
	})
}

// GetBalance handles GET /api/v1/tokens/{symbol}/balance/{account}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenBySymbol(chi.URLParam(r, "symbol"))
	if !ok {
		writeError(w, "unknown token", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"balance": tok.BalanceOf(chi.URLParam(r, "account")),
	})
}

// GetOperations handles GET /api/v1/operations?account= or ?ref=
func (s *Service) GetOperations(w http.ResponseWriter, r *http.Request) {
	var entries []model.OperationEntry
	var err error
	if acct := r.URL.Query().Get("account"); acct != "" {
		entries, err = s.store.GetOperationsByAccount(r.Context(), acct)
	} else if ref := r.URL.Query().Get("ref"); ref != "" {
		entries, err = s.store.GetOperationsByRef(r.Context(), ref)
	} else {
		writeError(w, "account or ref query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to get operations", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.OperationEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// --- Error helpers ---

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, resolver.ErrUnauthorized),
		errors.Is(err, manager.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, resolver.ErrUnknownSymbol),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, manager.ErrNoPosition),
		errors.Is(err, perp.ErrNoPosition):
		status = http.StatusNotFound
	case errors.Is(err, pmm.ErrInvalidAmount),
		errors.Is(err, pmm.ErrInvalidK),
		errors.Is(err, manager.ErrInvalidAmount),
		errors.Is(err, manager.ErrUnknownCollateral),
		errors.Is(err, perp.ErrInvalidAmount),
		errors.Is(err, perp.ErrInvalidSide),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, feed.ErrNegativePrice),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrSelfPair):
		status = http.StatusBadRequest
	case errors.Is(err, pmm.ErrInsufficientLiquidity),
		errors.Is(err, pmm.ErrSlippageExceeded),
		errors.Is(err, manager.ErrSlippageExceeded),
		errors.Is(err, pmm.ErrInsufficientShares),
		errors.Is(err, manager.ErrPaused),
		errors.Is(err, manager.ErrInsufficientCollateral),
		errors.Is(err, manager.ErrWouldBreachMinimumRatio),
		errors.Is(err, manager.ErrNotLiquidatable),
		errors.Is(err, manager.ErrExceedsMaxLiquidatable),
		errors.Is(err, perp.ErrPositionExists),
		errors.Is(err, perp.ErrInsufficientMargin),
		errors.Is(err, perp.ErrNotLiquidatable),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, risk.ErrAccountLimitExceeded),
		errors.Is(err, risk.ErrDebtCeilingExceeded):
		status = http.StatusConflict
	case errors.Is(err, resolver.ErrStaleOrUnsetFeed),
		errors.Is(err, resolver.ErrInsufficientHistory):
		status = http.StatusServiceUnavailable
	}
	writeError(w, err.Error(), status)
}
