// Package api — handlers for synthetic issuance and the perpetual book.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/metrics"
	"github.com/synthfi/synth-engine/internal/model"
	"github.com/synthfi/synth-engine/internal/risk"
)

// --- Synthetic issuance handlers ---

// MintRequest is the JSON body for POST /synth/{managerID}/mint.
type MintRequest struct {
	Account string                     `json:"account"`
	Amount  decimal.Decimal            `json:"amount"`
	Offered map[string]decimal.Decimal `json:"offered"` // asset ID → max amount
}

// MintSynthetic handles POST /api/v1/synth/{managerID}/mint.
func (s *Service) MintSynthetic(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	m, ok := s.managerByID(managerID)
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	receipt, err := m.Mint(r.Context(), req.Account, req.Amount, req.Offered)
	if err != nil {
		if errors.Is(err, risk.ErrAccountLimitExceeded) || errors.Is(err, risk.ErrDebtCeilingExceeded) {
			metrics.RiskLimitRejections.Inc()
		}
		writeDomainError(w, err)
		return
	}

	metrics.MintsTotal.WithLabelValues(managerID).Inc()
	out, _ := m.TotalOutstanding().Float64()
	metrics.TotalOutstanding.WithLabelValues(managerID).Set(out)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "synth_minted",
			ManagerID:  managerID,
			Account:    req.Account,
			Price:      receipt.Price.String(),
			BaseAmount: receipt.SynthMinted.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}

// RedeemRequest is the JSON body for POST /synth/{managerID}/redeem.
type RedeemRequest struct {
	Account string                     `json:"account"`
	Amount  decimal.Decimal            `json:"amount"`
	MinOut  map[string]decimal.Decimal `json:"min_out,omitempty"` // asset ID → minimum returned
}

// RedeemSynthetic handles POST /api/v1/synth/{managerID}/redeem.
func (s *Service) RedeemSynthetic(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	m, ok := s.managerByID(managerID)
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	returned, err := m.Redeem(r.Context(), req.Account, req.Amount, req.MinOut)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.RedemptionsTotal.WithLabelValues(managerID).Inc()
	out, _ := m.TotalOutstanding().Float64()
	metrics.TotalOutstanding.WithLabelValues(managerID).Set(out)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"redeemed": req.Amount,
		"returned": returned,
	})
}

// CollateralRequest is the JSON body for POST /synth/{managerID}/collateral.
type CollateralRequest struct {
	Account string          `json:"account"`
	Asset   string          `json:"asset"`
	Action  string          `json:"action"` // "DEPOSIT" or "WITHDRAW"
	Amount  decimal.Decimal `json:"amount"`
}

// ChangeCollateral handles POST /api/v1/synth/{managerID}/collateral.
func (s *Service) ChangeCollateral(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	m, ok := s.managerByID(managerID)
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "DEPOSIT":
		err = m.DepositCollateral(r.Context(), req.Account, req.Asset, req.Amount)
	case "WITHDRAW":
		err = m.WithdrawCollateral(r.Context(), req.Account, req.Asset, req.Amount)
	default:
		writeError(w, "action must be DEPOSIT or WITHDRAW", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := m.Position(req.Account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ListSynthPositions handles GET /api/v1/synth/{managerID}/positions.
func (s *Service) ListSynthPositions(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	if _, ok := s.managerByID(managerID); !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	positions, err := s.store.ListPositions(r.Context(), managerID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.SyntheticPosition{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetSynthPosition handles GET /api/v1/synth/{managerID}/positions/{account}.
func (s *Service) GetSynthPosition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managerByID(chi.URLParam(r, "managerID"))
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	pos, err := m.Position(chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// CheckSynthLiquidation handles GET /api/v1/synth/{managerID}/liquidate/{account}.
func (s *Service) CheckSynthLiquidation(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managerByID(chi.URLParam(r, "managerID"))
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	q, err := m.CheckLiquidate(chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// LiquidateRequest is the JSON body for POST /synth/{managerID}/liquidate.
type LiquidateRequest struct {
	Liquidator string          `json:"liquidator"`
	Account    string          `json:"account"`
	Cover      decimal.Decimal `json:"cover"`
}

// LiquidateSynthPosition handles POST /api/v1/synth/{managerID}/liquidate.
func (s *Service) LiquidateSynthPosition(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	m, ok := s.managerByID(managerID)
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidator == "" || req.Account == "" {
		writeError(w, "liquidator and account are required", http.StatusBadRequest)
		return
	}

	receipt, err := m.Liquidate(r.Context(), req.Liquidator, req.Account, req.Cover)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.LiquidationsTotal.WithLabelValues("synth").Inc()
	out, _ := m.TotalOutstanding().Float64()
	metrics.TotalOutstanding.WithLabelValues(managerID).Set(out)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "position_liquidated",
			ManagerID: managerID,
			Account:   req.Account,
			Price:     receipt.Price.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}

// PauseManager handles POST /api/v1/synth/{managerID}/pause.
func (s *Service) PauseManager(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managerByID(chi.URLParam(r, "managerID"))
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	if err := m.Pause(adminCaller(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Warn("manager paused", "manager", m.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": "paused"})
}

// ResumeManager handles POST /api/v1/synth/{managerID}/resume.
func (s *Service) ResumeManager(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managerByID(chi.URLParam(r, "managerID"))
	if !ok {
		writeError(w, "manager not found", http.StatusNotFound)
		return
	}
	if err := m.Resume(adminCaller(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("manager resumed", "manager", m.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": "ready"})
}

// --- Perpetual handlers ---

// PerpOpenRequest is the JSON body for POST /perp/{bookID}/open.
type PerpOpenRequest struct {
	Account string          `json:"account"`
	Side    model.PerpSide  `json:"side"`
	Size    decimal.Decimal `json:"size"`
	Margin  decimal.Decimal `json:"margin"`
}

// OpenPerp handles POST /api/v1/perp/{bookID}/open.
func (s *Service) OpenPerp(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bookByID(chi.URLParam(r, "bookID"))
	if !ok {
		writeError(w, "book not found", http.StatusNotFound)
		return
	}
	var req PerpOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	pos, err := b.Open(r.Context(), req.Account, req.Side, req.Size, req.Margin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// PerpCloseRequest is the JSON body for POST /perp/{bookID}/close.
type PerpCloseRequest struct {
	Account string `json:"account"`
}

// ClosePerp handles POST /api/v1/perp/{bookID}/close.
func (s *Service) ClosePerp(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bookByID(chi.URLParam(r, "bookID"))
	if !ok {
		writeError(w, "book not found", http.StatusNotFound)
		return
	}
	var req PerpCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payout, err := b.Close(r.Context(), req.Account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"payout": payout})
}

// GetPerpPosition handles GET /api/v1/perp/{bookID}/positions/{account}.
func (s *Service) GetPerpPosition(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bookByID(chi.URLParam(r, "bookID"))
	if !ok {
		writeError(w, "book not found", http.StatusNotFound)
		return
	}
	pos, err := b.Position(chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// CheckPerpLiquidation handles GET /api/v1/perp/{bookID}/liquidate/{account}.
func (s *Service) CheckPerpLiquidation(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bookByID(chi.URLParam(r, "bookID"))
	if !ok {
		writeError(w, "book not found", http.StatusNotFound)
		return
	}
	q, err := b.CheckLiquidate(chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// PerpLiquidateRequest is the JSON body for POST /perp/{bookID}/liquidate.
type PerpLiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
}

// LiquidatePerpPosition handles POST /api/v1/perp/{bookID}/liquidate.
func (s *Service) LiquidatePerpPosition(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bookByID(chi.URLParam(r, "bookID"))
	if !ok {
		writeError(w, "book not found", http.StatusNotFound)
		return
	}
	var req PerpLiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidator == "" || req.Account == "" {
		writeError(w, "liquidator and account are required", http.StatusBadRequest)
		return
	}

	q, err := b.Liquidate(r.Context(), req.Liquidator, req.Account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.LiquidationsTotal.WithLabelValues("perp").Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// recordOp appends a pool-domain operation to the immutable ledger.
// Manager and perp operations record themselves.
func (s *Service) recordOp(r *http.Request, account, domain, ref, kind string, amount, price, value decimal.Decimal) {
	entry := &model.OperationEntry{
		ID:        uuid.New().String(),
		Account:   account,
		Domain:    domain,
		Ref:       ref,
		Kind:      kind,
		Amount:    amount,
		Price:     price,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.InsertOperation(r.Context(), entry); err != nil {
		slog.Error("operation record failed", "ref", ref, "kind", kind, "error", err)
	}
}
