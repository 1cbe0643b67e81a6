package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/distribution"
	"github.com/coinvest/ledger-engine/internal/model"
)

// ListDistributions handles GET /api/v1/distributions?risk_tier=&limit=
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	var tier model.RiskTier
	if raw := r.URL.Query().Get("risk_tier"); raw != "" {
		parsed, err := model.ParseRiskTier(raw)
		if err != nil {
			writeError(w, r, apperr.New(apperr.InvalidArgument, "invalid risk tier %q", raw))
			return
		}
		tier = parsed
	}
	limit, err := intQuery(r, "limit", 50, apperr.InvalidArgument)
	if err != nil {
		writeError(w, r, err)
		return
	}

	dists, err := h.engine.History(r.Context(), tier, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dists == nil {
		dists = []model.Distribution{}
	}
	writeJSON(w, http.StatusOK, dists)
}

// TradeCallback handles GET|POST /trade/callback/sell?risk_level=&profit_usd=&stake_amount=&trade_id=
// It is called by the trading bot after a sell closes with realized profit.
func (h *Handler) TradeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tier, err := model.ParseRiskTier(q.Get("risk_level"))
	if err != nil {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "invalid risk level"))
		return
	}
	profit, err := decimalQuery(q.Get("profit_usd"), "profit_usd", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stake, err := decimalQuery(q.Get("stake_amount"), "stake_amount", false)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.Distribute(r.Context(), distribution.Event{
		RiskTier:       tier,
		RealizedProfit: profit,
		CapitalCeiling: stake,
		TradeID:        q.Get("trade_id"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decimalQuery(raw, name string, required bool) (decimal.Decimal, error) {
	if raw == "" {
		if required {
			return decimal.Zero, apperr.New(apperr.InvalidArgument, "%s is required", name)
		}
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperr.New(apperr.InvalidArgument, "%s must be a decimal, got %q", name, raw)
	}
	return v, nil
}
