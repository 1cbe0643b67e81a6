package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

// MaxPerPage caps the transaction page size.
const MaxPerPage = 100

// RegisterUserRequest is the JSON body for POST /api/v1/users.
type RegisterUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// CashRequest is the JSON body for cash deposits and withdrawals.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RegisterUser handles POST /api/v1/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	u, err := h.ledger.RegisterUser(r.Context(), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{user}
// {user} is a user id or email.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.ledger.ResolveOwner(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// DepositCash handles POST /api/v1/users/{user}/cash/deposit
func (h *Handler) DepositCash(w http.ResponseWriter, r *http.Request) {
	h.moveCash(w, r, true)
}

// WithdrawCash handles POST /api/v1/users/{user}/cash/withdraw
func (h *Handler) WithdrawCash(w http.ResponseWriter, r *http.Request) {
	h.moveCash(w, r, false)
}

func (h *Handler) moveCash(w http.ResponseWriter, r *http.Request, deposit bool) {
	var req CashRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	owner, err := h.ledger.ResolveOwner(ctx, chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var u *model.User
	if deposit {
		u, err = h.ledger.DepositCash(ctx, owner.ID, req.Amount)
	} else {
		u, err = h.ledger.WithdrawCash(ctx, owner.ID, req.Amount)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListTransactions handles GET /api/v1/users/{user}/transactions?page=&per_page=&sort=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1, apperr.InvalidPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perPage, err := intQuery(r, "per_page", 20, apperr.InvalidPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if perPage > MaxPerPage {
		writeError(w, r, apperr.New(apperr.InvalidPage, "per_page must be at most %d", MaxPerPage))
		return
	}
	sort, err := model.ParseSortOrder(r.URL.Query().Get("sort"))
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

	result, err := h.ledger.ListTransactions(ctx, owner.ID, page, perPage, sort)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
