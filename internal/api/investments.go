package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/ledger"
	"github.com/coinvest/ledger-engine/internal/model"
)

// OpenPositionRequest is the JSON body for POST /api/v1/users/{user}/investments.
type OpenPositionRequest struct {
	Name      string          `json:"name" validate:"max=100"`
	CoinType  string          `json:"coin_type" validate:"required"`
	RiskTier  string          `json:"risk_tier" validate:"required"`
	Slot      *int            `json:"slot" validate:"required,min=0"`
	Principal decimal.Decimal `json:"principal"`
}

// AdjustRequest is the JSON body for position deposits and withdrawals.
type AdjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=200"`
}

// ProfitRequest is the JSON body for PUT .../profit.
type ProfitRequest struct {
	AccumulatedProfit *decimal.Decimal `json:"accumulated_profit" validate:"required"`
}

// OpenPosition handles POST /api/v1/users/{user}/investments
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	coin, err := model.ParseCoinType(req.CoinType)
	if err != nil {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "%s", err.Error()))
		return
	}
	tier, err := model.ParseRiskTier(req.RiskTier)
	if err != nil {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "%s", err.Error()))
		return
	}

	ctx := r.Context()
	owner, err := h.ledger.ResolveOwner(ctx, chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := h.ledger.OpenPosition(ctx, ledger.OpenRequest{
		OwnerID:   owner.ID,
		Name:      req.Name,
		CoinType:  coin,
		RiskTier:  tier,
		Slot:      *req.Slot,
		Principal: req.Principal,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetPosition handles GET /api/v1/users/{user}/investments/{slot}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	inv, err := h.resolvePosition(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ClosePosition handles DELETE /api/v1/users/{user}/investments/{slot}
// The owner's cash is credited with the position's principal.
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	inv, err := h.resolvePosition(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	closure, err := h.ledger.ClosePosition(r.Context(), inv.ID, inv.OwnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

// DepositToPosition handles POST /api/v1/users/{user}/investments/{slot}/deposit
func (h *Handler) DepositToPosition(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.ledger.Deposit)
}

// WithdrawFromPosition handles POST /api/v1/users/{user}/investments/{slot}/withdraw
func (h *Handler) WithdrawFromPosition(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.ledger.Withdraw)
}

type adjustFunc func(ctx context.Context, positionID string, amount decimal.Decimal, description string) (*model.Investment, error)

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, apply adjustFunc) {
	var req AdjustRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := h.resolvePosition(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := apply(r.Context(), inv.ID, req.Amount, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UpdateProfit handles PUT /api/v1/users/{user}/investments/{slot}/profit
func (h *Handler) UpdateProfit(w http.ResponseWriter, r *http.Request) {
	var req ProfitRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := h.resolvePosition(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.ledger.UpdateProfit(r.Context(), inv.ID, *req.AccumulatedProfit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ListUserInvestments handles GET /api/v1/users/{user}/investments?coin_type=
func (h *Handler) ListUserInvestments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, err := h.ledger.ResolveOwner(ctx, chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var invs []model.Investment
	if raw := r.URL.Query().Get("coin_type"); raw != "" {
		coin, perr := model.ParseCoinType(raw)
		if perr != nil {
			writeError(w, r, apperr.New(apperr.InvalidArgument, "%s", perr.Error()))
			return
		}
		invs, err = h.ledger.ListByCoinType(ctx, owner.ID, coin)
	} else {
		invs, err = h.ledger.ListByOwner(ctx, owner.ID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// ListTierInvestments handles GET /api/v1/investments?risk_tier=
func (h *Handler) ListTierInvestments(w http.ResponseWriter, r *http.Request) {
	tier, err := model.ParseRiskTier(r.URL.Query().Get("risk_tier"))
	if err != nil {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "%s", err.Error()))
		return
	}
	invs, err := h.ledger.ListByRiskTier(r.Context(), tier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

func (h *Handler) resolvePosition(r *http.Request) (*model.Investment, error) {
	slot, err := slotParam(r)
	if err != nil {
		return nil, err
	}
	return h.ledger.ResolvePosition(r.Context(), chi.URLParam(r, "user"), slot)
}
