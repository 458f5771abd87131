// Package manager implements collateralized issuance of synthetic
// assets: accounts lock approved collateral tokens, mint synthetic
// units against them at a regime-dependent target ratio, and get
// liquidated when the collateral value no longer covers the debt.
//
// Every mutating operation is serialized on one mutex and is
// all-or-nothing: checks run first, then ledger movements, then state
// updates and persistence. All monetary values use shopspring/decimal.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
	"github.com/synthfi/synth-engine/internal/resolver"
	"github.com/synthfi/synth-engine/internal/risk"
	"github.com/synthfi/synth-engine/internal/store"
	"github.com/synthfi/synth-engine/internal/token"
)

var (
	// ErrUnauthorized is returned when a caller without the admin
	// capability attempts pause or resume.
	ErrUnauthorized = errors.New("manager: caller lacks admin capability")

	// ErrPaused is returned for mutating operations while paused.
	ErrPaused = errors.New("manager: paused")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("manager: amount must be positive")

	// ErrInsufficientCollateral is returned when the offered collateral
	// does not cover the required value plus fee. Nothing is taken.
	ErrInsufficientCollateral = errors.New("manager: offered collateral below required value")

	// ErrWouldBreachMinimumRatio is returned when a withdrawal would
	// leave the position under the minimum collateral ratio.
	ErrWouldBreachMinimumRatio = errors.New("manager: withdrawal would breach minimum ratio")

	// ErrNotLiquidatable is returned when the position's ratio is at or
	// above the liquidation threshold.
	ErrNotLiquidatable = errors.New("manager: position not liquidatable")

	// ErrExceedsMaxLiquidatable is returned when the requested cover is
	// larger than the computed maximum for the position.
	ErrExceedsMaxLiquidatable = errors.New("manager: cover exceeds maximum liquidatable amount")

	// ErrNoPosition is returned for accounts with no debt.
	ErrNoPosition = errors.New("manager: no position for account")

	// ErrUnknownCollateral is returned when an offered asset is not on
	// the manager's approved list.
	ErrUnknownCollateral = errors.New("manager: unknown collateral asset")

	// ErrSlippageExceeded is returned when a redemption would return
	// less of an asset than the caller's stated minimum.
	ErrSlippageExceeded = errors.New("manager: redemption below minimum output")
)

// PriceSource is the slice of the resolver the manager needs.
type PriceSource interface {
	GetPrice(symbol string) (decimal.Decimal, error)
	IsBullMarket(symbol string, windowDays int) (bool, error)
}

// CollateralAsset is one approved collateral token and the symbol its
// price resolves under (denominated the same as the synthetic's oracle
// symbol, e.g. both in USD).
type CollateralAsset struct {
	Token        token.Token
	OracleSymbol string
}

// Params are the manager's risk parameters.
type Params struct {
	// BullTargetRatio and BearTargetRatio are the mint ratios applied
	// depending on the price regime. Bear markets demand more cover.
	BullTargetRatio decimal.Decimal
	BearTargetRatio decimal.Decimal

	// MinimumRatio is the floor a withdrawal may not take a position
	// under.
	MinimumRatio decimal.Decimal

	// LiquidationThreshold is the ratio below which a position becomes
	// liquidatable.
	LiquidationThreshold decimal.Decimal

	// LiquidationPenalty is the liquidator's discount, e.g. 0.1 pays
	// 110% of the covered value in collateral.
	LiquidationPenalty decimal.Decimal

	// SafeRatio is the ratio a partial liquidation restores a position
	// to. Must exceed 1 + LiquidationPenalty or no partial amount can
	// restore the position.
	SafeRatio decimal.Decimal

	// MintFeeBps and RedeemFeeBps are fees in basis points of the
	// synthetic value moved, collected into the fee account.
	MintFeeBps   int64
	RedeemFeeBps int64

	// RegimeWindowDays is the trailing average window for the bull/bear
	// decision when no reference price is set.
	RegimeWindowDays int
}

// DefaultParams returns the standard risk parameters.
func DefaultParams() Params {
	return Params{
		BullTargetRatio:      decimal.NewFromFloat(1.2),
		BearTargetRatio:      decimal.NewFromFloat(1.5),
		MinimumRatio:         decimal.NewFromFloat(1.2),
		LiquidationThreshold: decimal.NewFromInt(1),
		LiquidationPenalty:   decimal.NewFromFloat(0.1),
		SafeRatio:            decimal.NewFromFloat(1.15),
		MintFeeBps:           0,
		RedeemFeeBps:         0,
		RegimeWindowDays:     30,
	}
}

type position struct {
	syntheticBalance decimal.Decimal
	collateral       map[string]decimal.Decimal // asset ID → amount
	entryValuation   decimal.Decimal
}

// Manager is one synthetic asset's collateral vault and issuance logic.
type Manager struct {
	ID           string
	admin        string
	synth        token.Token
	oracleSymbol string

	collateral map[string]CollateralAsset
	assetOrder []string // deterministic iteration

	prices  PriceSource
	limiter *risk.MintLimiter
	store   store.Store
	params  Params

	mu               sync.Mutex
	paused           bool
	positions        map[string]*position
	totalOutstanding decimal.Decimal
	badDebt          decimal.Decimal
	feePotValue      decimal.Decimal
}

// New creates a manager. synth is the token the manager mints and
// burns; oracleSymbol resolves its price in the denomination currency.
// limiter may be nil for an uncapped manager.
func New(id, admin string, synth token.Token, oracleSymbol string,
	assets []CollateralAsset, prices PriceSource, limiter *risk.MintLimiter,
	st store.Store, params Params) (*Manager, error) {

	if params.SafeRatio.LessThanOrEqual(decimal.NewFromInt(1).Add(params.LiquidationPenalty)) {
		return nil, fmt.Errorf("manager: safe ratio %s must exceed 1 + penalty %s",
			params.SafeRatio, params.LiquidationPenalty)
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("manager: at least one collateral asset required")
	}

	m := &Manager{
		ID:           id,
		admin:        admin,
		synth:        synth,
		oracleSymbol: oracleSymbol,
		collateral:   make(map[string]CollateralAsset, len(assets)),
		prices:       prices,
		limiter:      limiter,
		store:        st,
		params:       params,
		positions:    make(map[string]*position),
	}
	for _, a := range assets {
		m.collateral[a.Token.Symbol()] = a
		m.assetOrder = append(m.assetOrder, a.Token.Symbol())
	}
	sort.Strings(m.assetOrder)
	return m, nil
}

// vaultAccount holds position collateral; feeAccount holds fees.
func (m *Manager) vaultAccount() string { return "vault:" + m.ID }
func (m *Manager) feeAccount() string   { return "fees:" + m.ID }

// Pause stops all mutating operations. Reads keep working.
func (m *Manager) Pause(caller string) error {
	if caller != m.admin {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

// Resume re-enables mutating operations.
func (m *Manager) Resume(caller string) error {
	if caller != m.admin {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	return nil
}

// targetRatio picks the mint ratio for the current regime. Accounts
// with no usable price history get the bull ratio: a fresh feed says
// nothing bearish yet.
func (m *Manager) targetRatio() (decimal.Decimal, error) {
	bull, err := m.prices.IsBullMarket(m.oracleSymbol, m.params.RegimeWindowDays)
	if err != nil {
		if errors.Is(err, resolver.ErrInsufficientHistory) {
			return m.params.BullTargetRatio, nil
		}
		return decimal.Zero, err
	}
	if bull {
		return m.params.BullTargetRatio, nil
	}
	return m.params.BearTargetRatio, nil
}

// collateralValue prices a collateral map in the denomination currency.
func (m *Manager) collateralValue(coll map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range m.assetOrder {
		amt := coll[id]
		if amt.IsZero() {
			continue
		}
		p, err := m.prices.GetPrice(m.collateral[id].OracleSymbol)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amt.Mul(p))
	}
	return total, nil
}

// MintReceipt reports an executed mint.
type MintReceipt struct {
	SynthMinted     decimal.Decimal            `json:"synth_minted"`
	TargetRatio     decimal.Decimal            `json:"target_ratio"`
	Price           decimal.Decimal            `json:"price"`
	CollateralTaken map[string]decimal.Decimal `json:"collateral_taken"`
	FeeValue        decimal.Decimal            `json:"fee_value"`
}

// Mint locks collateral and issues synthOut synthetic units to account.
// offered lists the maximum amounts per asset the account is willing to
// lock; the manager takes a pro-rata scaled portion so the locked value
// equals exactly synthOut · price · targetRatio plus the mint fee.
// Offering less than that total is a hard reject with nothing taken.
func (m *Manager) Mint(ctx context.Context, account string, synthOut decimal.Decimal, offered map[string]decimal.Decimal) (*MintReceipt, error) {
	if synthOut.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, ErrPaused
	}

	for id, amt := range offered {
		if _, ok := m.collateral[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCollateral, id)
		}
		if amt.IsNegative() {
			return nil, ErrInvalidAmount
		}
	}

	price, err := m.prices.GetPrice(m.oracleSymbol)
	if err != nil {
		return nil, err
	}
	ratio, err := m.targetRatio()
	if err != nil {
		return nil, err
	}

	debtValue := synthOut.Mul(price)
	required := debtValue.Mul(ratio)
	feeValue := debtValue.Mul(decimal.NewFromInt(m.params.MintFeeBps)).DivRound(decimal.NewFromInt(10000), 18)
	needed := required.Add(feeValue)

	offeredValue, err := m.collateralValue(offered)
	if err != nil {
		return nil, err
	}
	if offeredValue.LessThan(needed) {
		return nil, fmt.Errorf("%w: offered %s, need %s", ErrInsufficientCollateral, offeredValue, needed)
	}

	pos := m.positions[account]
	bal := decimal.Zero
	if pos != nil {
		bal = pos.syntheticBalance
	}
	if err := m.limiter.CheckMint(bal, m.totalOutstanding, synthOut); err != nil {
		return nil, err
	}

	// Scale the offer down so taken value is exactly required + fee,
	// and split each taken amount between vault and fee account.
	scale := needed.DivRound(offeredValue, 24)
	feeFrac := decimal.Zero
	if needed.IsPositive() {
		feeFrac = feeValue.DivRound(needed, 24)
	}

	taken := make(map[string]decimal.Decimal)
	vaultPart := make(map[string]decimal.Decimal)
	feePart := make(map[string]decimal.Decimal)
	for _, id := range m.assetOrder {
		amt := offered[id]
		if amt.IsZero() {
			continue
		}
		t := amt.Mul(scale).Round(18)
		f := t.Mul(feeFrac).Round(18)
		taken[id] = t
		feePart[id] = f
		vaultPart[id] = t.Sub(f)
		if m.collateral[id].Token.BalanceOf(account).LessThan(t) {
			return nil, fmt.Errorf("%w: %s balance short of %s", ErrInsufficientCollateral, id, t)
		}
	}

	// Interactions: move collateral, then issue the synthetic. A leg
	// failing mid-way refunds every leg already moved so a rejected
	// mint takes nothing.
	type movedLeg struct {
		id   string
		from string
		amt  decimal.Decimal
	}
	var moved []movedLeg
	undo := func() {
		for i := len(moved) - 1; i >= 0; i-- {
			leg := moved[i]
			if rerr := m.collateral[leg.id].Token.Transfer(leg.from, account, leg.amt); rerr != nil {
				slog.Error("mint rollback failed", "manager", m.ID, "asset", leg.id, "error", rerr)
			}
		}
	}
	for _, id := range m.assetOrder {
		if v, ok := vaultPart[id]; ok && v.IsPositive() {
			if err := m.collateral[id].Token.Transfer(account, m.vaultAccount(), v); err != nil {
				undo()
				return nil, err
			}
			moved = append(moved, movedLeg{id: id, from: m.vaultAccount(), amt: v})
		}
		if f, ok := feePart[id]; ok && f.IsPositive() {
			if err := m.collateral[id].Token.Transfer(account, m.feeAccount(), f); err != nil {
				undo()
				return nil, err
			}
			moved = append(moved, movedLeg{id: id, from: m.feeAccount(), amt: f})
		}
	}
	if err := m.synth.Mint(account, synthOut); err != nil {
		undo()
		return nil, err
	}

	if pos == nil {
		pos = &position{collateral: make(map[string]decimal.Decimal)}
		m.positions[account] = pos
	}
	pos.syntheticBalance = pos.syntheticBalance.Add(synthOut)
	for id, v := range vaultPart {
		pos.collateral[id] = pos.collateral[id].Add(v)
	}
	pos.entryValuation = price
	m.totalOutstanding = m.totalOutstanding.Add(synthOut)
	m.feePotValue = m.feePotValue.Add(feeValue)

	m.persist(ctx, account, pos)
	m.record(ctx, account, model.OpMint, synthOut, price, required)

	slog.Info("synthetic minted",
		"manager", m.ID,
		"account", account,
		"amount", synthOut.String(),
		"price", price.String(),
		"target_ratio", ratio.String(),
	)

	return &MintReceipt{
		SynthMinted:     synthOut,
		TargetRatio:     ratio,
		Price:           price,
		CollateralTaken: taken,
		FeeValue:        feeValue,
	}, nil
}

// Redeem burns synthIn from account and returns the proportional share
// of the locked collateral, less the redeem fee. minOut lists per-asset
// minimum outputs; any shortfall rejects the whole redemption. nil
// accepts whatever the pro-rata split yields.
func (m *Manager) Redeem(ctx context.Context, account string, synthIn decimal.Decimal, minOut map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	if synthIn.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, ErrPaused
	}

	pos := m.positions[account]
	if pos == nil || pos.syntheticBalance.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}
	if synthIn.GreaterThan(pos.syntheticBalance) {
		return nil, fmt.Errorf("%w: redeem %s exceeds debt %s", ErrInvalidAmount, synthIn, pos.syntheticBalance)
	}
	if m.synth.BalanceOf(account).LessThan(synthIn) {
		return nil, token.ErrInsufficientBalance
	}

	price, err := m.prices.GetPrice(m.oracleSymbol)
	if err != nil {
		return nil, err
	}

	fraction := synthIn.DivRound(pos.syntheticBalance, 24)
	feeValue := synthIn.Mul(price).Mul(decimal.NewFromInt(m.params.RedeemFeeBps)).DivRound(decimal.NewFromInt(10000), 18)

	share := make(map[string]decimal.Decimal)
	for _, id := range m.assetOrder {
		if amt := pos.collateral[id]; amt.IsPositive() {
			share[id] = amt.Mul(fraction).Round(18)
		}
	}
	shareValue, err := m.collateralValue(share)
	if err != nil {
		return nil, err
	}
	feeFrac := decimal.Zero
	if shareValue.IsPositive() {
		feeFrac = feeValue.DivRound(shareValue, 24)
		if feeFrac.GreaterThan(decimal.NewFromInt(1)) {
			feeFrac = decimal.NewFromInt(1)
		}
	}

	fees := make(map[string]decimal.Decimal)
	returned := make(map[string]decimal.Decimal)
	for _, id := range m.assetOrder {
		amt, ok := share[id]
		if !ok {
			continue
		}
		fee := amt.Mul(feeFrac).Round(18)
		fees[id] = fee
		returned[id] = amt.Sub(fee)
	}
	for id, min := range minOut {
		if returned[id].LessThan(min) {
			return nil, fmt.Errorf("%w: %s out %s, minimum %s", ErrSlippageExceeded, id, returned[id], min)
		}
	}

	if err := m.synth.Burn(account, synthIn); err != nil {
		return nil, err
	}
	for _, id := range m.assetOrder {
		amt, ok := share[id]
		if !ok {
			continue
		}
		if out := returned[id]; out.IsPositive() {
			if err := m.collateral[id].Token.Transfer(m.vaultAccount(), account, out); err != nil {
				return nil, err
			}
		}
		if fee := fees[id]; fee.IsPositive() {
			if err := m.collateral[id].Token.Transfer(m.vaultAccount(), m.feeAccount(), fee); err != nil {
				return nil, err
			}
		}
		pos.collateral[id] = pos.collateral[id].Sub(amt)
	}

	pos.syntheticBalance = pos.syntheticBalance.Sub(synthIn)
	m.totalOutstanding = m.totalOutstanding.Sub(synthIn)
	m.feePotValue = m.feePotValue.Add(feeValue)

	m.persist(ctx, account, pos)
	m.record(ctx, account, model.OpRedeem, synthIn, price, shareValue)

	slog.Info("synthetic redeemed",
		"manager", m.ID,
		"account", account,
		"amount", synthIn.String(),
		"price", price.String(),
	)
	return returned, nil
}

// DepositCollateral adds collateral to an existing or empty position.
func (m *Manager) DepositCollateral(ctx context.Context, account, assetID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}
	asset, ok := m.collateral[assetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollateral, assetID)
	}

	if err := asset.Token.Transfer(account, m.vaultAccount(), amount); err != nil {
		return err
	}

	pos := m.positions[account]
	if pos == nil {
		pos = &position{collateral: make(map[string]decimal.Decimal)}
		m.positions[account] = pos
	}
	pos.collateral[assetID] = pos.collateral[assetID].Add(amount)

	m.persist(ctx, account, pos)
	m.record(ctx, account, model.OpDepositColl, amount, decimal.Zero, decimal.Zero)
	return nil
}

// WithdrawCollateral releases collateral, refusing any withdrawal that
// would take a position with debt under the minimum ratio.
func (m *Manager) WithdrawCollateral(ctx context.Context, account, assetID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}
	asset, ok := m.collateral[assetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollateral, assetID)
	}
	pos := m.positions[account]
	if pos == nil || pos.collateral[assetID].LessThan(amount) {
		return fmt.Errorf("%w: %s", ErrInsufficientCollateral, assetID)
	}

	if pos.syntheticBalance.IsPositive() {
		price, err := m.prices.GetPrice(m.oracleSymbol)
		if err != nil {
			return err
		}
		after := make(map[string]decimal.Decimal, len(pos.collateral))
		for id, v := range pos.collateral {
			after[id] = v
		}
		after[assetID] = after[assetID].Sub(amount)
		value, err := m.collateralValue(after)
		if err != nil {
			return err
		}
		ratio := model.CollateralRatio(value, pos.syntheticBalance.Mul(price))
		if ratio.LessThan(m.params.MinimumRatio) {
			return fmt.Errorf("%w: ratio would be %s", ErrWouldBreachMinimumRatio, ratio)
		}
	}

	if err := asset.Token.Transfer(m.vaultAccount(), account, amount); err != nil {
		return err
	}
	pos.collateral[assetID] = pos.collateral[assetID].Sub(amount)

	m.persist(ctx, account, pos)
	m.record(ctx, account, model.OpWithdrawColl, amount, decimal.Zero, decimal.Zero)
	return nil
}

// LiquidationQuote reports whether and how far a position can be
// liquidated at current prices.
type LiquidationQuote struct {
	Liquidatable bool            `json:"liquidatable"`
	Ratio        decimal.Decimal `json:"ratio"`
	MaxCover     decimal.Decimal `json:"max_cover"`
	Price        decimal.Decimal `json:"price"`
}

// CheckLiquidate is a pure read of the position's liquidation state.
func (m *Manager) CheckLiquidate(account string) (*LiquidationQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLiquidateLocked(account)
}

func (m *Manager) checkLiquidateLocked(account string) (*LiquidationQuote, error) {
	pos := m.positions[account]
	if pos == nil || pos.syntheticBalance.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}

	price, err := m.prices.GetPrice(m.oracleSymbol)
	if err != nil {
		return nil, err
	}
	value, err := m.collateralValue(pos.collateral)
	if err != nil {
		return nil, err
	}

	debt := pos.syntheticBalance
	ratio := model.CollateralRatio(value, debt.Mul(price))
	q := &LiquidationQuote{Ratio: ratio, Price: price}
	if ratio.GreaterThanOrEqual(m.params.LiquidationThreshold) {
		return q, nil
	}
	q.Liquidatable = true

	onePlusP := decimal.NewFromInt(1).Add(m.params.LiquidationPenalty)
	if ratio.GreaterThan(onePlusP) {
		// Partial liquidation can restore the position to SafeRatio:
		// solve (C − x·P·(1+p)) / ((D − x)·P) = s for x.
		s := m.params.SafeRatio
		num := s.Mul(price).Mul(debt).Sub(value)
		den := price.Mul(s.Sub(onePlusP))
		max := num.DivRound(den, 18)
		if max.GreaterThan(debt) {
			max = debt
		}
		q.MaxCover = max
	} else {
		// Collateral cannot pay the full penalty; the cap is whatever
		// cover the collateral can pay out at 1+p.
		q.MaxCover = value.DivRound(price.Mul(onePlusP), 18)
		if q.MaxCover.GreaterThan(debt) {
			q.MaxCover = debt
		}
	}
	return q, nil
}

// LiquidationReceipt reports an executed liquidation.
type LiquidationReceipt struct {
	Cover            decimal.Decimal            `json:"cover"`
	CollateralSeized map[string]decimal.Decimal `json:"collateral_seized"`
	SeizedValue      decimal.Decimal            `json:"seized_value"`
	Price            decimal.Decimal            `json:"price"`
	BadDebtCreated   decimal.Decimal            `json:"bad_debt_created"`
}

// Liquidate burns cover synthetic units from liquidator and pays out
// collateral worth cover · price · (1 + penalty), pro rata across the
// position's assets. Covered debt always leaves the books in full; if
// the collateral runs out first the shortfall is recorded as bad debt.
func (m *Manager) Liquidate(ctx context.Context, liquidator, account string, cover decimal.Decimal) (*LiquidationReceipt, error) {
	if cover.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, ErrPaused
	}

	q, err := m.checkLiquidateLocked(account)
	if err != nil {
		return nil, err
	}
	if !q.Liquidatable {
		return nil, fmt.Errorf("%w: ratio %s", ErrNotLiquidatable, q.Ratio)
	}
	if cover.GreaterThan(q.MaxCover) {
		return nil, fmt.Errorf("%w: cover %s, max %s", ErrExceedsMaxLiquidatable, cover, q.MaxCover)
	}
	if m.synth.BalanceOf(liquidator).LessThan(cover) {
		return nil, token.ErrInsufficientBalance
	}

	pos := m.positions[account]
	value, err := m.collateralValue(pos.collateral)
	if err != nil {
		return nil, err
	}

	onePlusP := decimal.NewFromInt(1).Add(m.params.LiquidationPenalty)
	seizeValue := cover.Mul(q.Price).Mul(onePlusP)
	frac := decimal.NewFromInt(1)
	if value.IsPositive() && seizeValue.LessThan(value) {
		frac = seizeValue.DivRound(value, 24)
	} else {
		seizeValue = value
	}

	if err := m.synth.Burn(liquidator, cover); err != nil {
		return nil, err
	}
	seized := make(map[string]decimal.Decimal)
	for _, id := range m.assetOrder {
		amt := pos.collateral[id]
		if !amt.IsPositive() {
			continue
		}
		take := amt.Mul(frac).Round(18)
		if take.GreaterThan(amt) {
			take = amt
		}
		if take.IsPositive() {
			if err := m.collateral[id].Token.Transfer(m.vaultAccount(), liquidator, take); err != nil {
				return nil, err
			}
		}
		pos.collateral[id] = amt.Sub(take)
		seized[id] = take
	}

	pos.syntheticBalance = pos.syntheticBalance.Sub(cover)
	m.totalOutstanding = m.totalOutstanding.Sub(cover)

	badDebt := decimal.Zero
	if frac.Equal(decimal.NewFromInt(1)) && pos.syntheticBalance.IsPositive() {
		// Collateral exhausted with debt remaining: the residue can
		// never be liquidated, only tracked.
		badDebt = pos.syntheticBalance
		m.badDebt = m.badDebt.Add(badDebt)
	}

	m.persist(ctx, account, pos)
	m.record(ctx, liquidator, model.OpLiquidate, cover, q.Price, seizeValue)

	slog.Warn("position liquidated",
		"manager", m.ID,
		"account", account,
		"liquidator", liquidator,
		"cover", cover.String(),
		"ratio", q.Ratio.String(),
		"seized_value", seizeValue.String(),
		"bad_debt", badDebt.String(),
	)

	return &LiquidationReceipt{
		Cover:            cover,
		CollateralSeized: seized,
		SeizedValue:      seizeValue,
		Price:            q.Price,
		BadDebtCreated:   badDebt,
	}, nil
}

// Position returns a snapshot of the account's position.
func (m *Manager) Position(account string) (*model.SyntheticPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positions[account]
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}
	return m.snapshotLocked(account, pos), nil
}

// TotalOutstanding returns the manager's total synthetic debt.
func (m *Manager) TotalOutstanding() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalOutstanding
}

// BadDebt returns the accumulated unliquidatable debt.
func (m *Manager) BadDebt() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badDebt
}

// FeePotValue returns the accumulated fee value in the denomination
// currency, at collection-time prices.
func (m *Manager) FeePotValue() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feePotValue
}

func (m *Manager) snapshotLocked(account string, pos *position) *model.SyntheticPosition {
	coll := make(map[string]decimal.Decimal, len(pos.collateral))
	for id, v := range pos.collateral {
		coll[id] = v
	}
	return &model.SyntheticPosition{
		Account:          account,
		ManagerID:        m.ID,
		SyntheticBalance: pos.syntheticBalance,
		RawCollateral:    coll,
		EntryValuation:   pos.entryValuation,
		UpdatedAt:        time.Now().UTC(),
	}
}

// persist writes the position snapshot through to the store. Memory is
// authoritative; a store failure is logged, not rolled back.
func (m *Manager) persist(ctx context.Context, account string, pos *position) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertPosition(ctx, m.snapshotLocked(account, pos)); err != nil {
		slog.Error("position persist failed", "manager", m.ID, "account", account, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, account, kind string, amount, price, value decimal.Decimal) {
	if m.store == nil {
		return
	}
	entry := &model.OperationEntry{
		ID:        uuid.New().String(),
		Account:   account,
		Domain:    "synth",
		Ref:       m.ID,
		Kind:      kind,
		Amount:    amount,
		Price:     price,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.InsertOperation(ctx, entry); err != nil {
		slog.Error("operation record failed", "manager", m.ID, "kind", kind, "error", err)
	}
}
