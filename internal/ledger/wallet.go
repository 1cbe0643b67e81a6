package ledger

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/metrics"
	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/retry"
	"github.com/coinvest/ledger-engine/internal/store"
)

// CashMovement is the payload of cash events.
type CashMovement struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	CashBalance decimal.Decimal `json:"cash_balance"`
}

// GetBalance returns the user's current snapshot.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}

// DepositCash credits amount to the user's cash balance and records it.
func (s *Service) DepositCash(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	defer metrics.ObserveSince("deposit_cash", time.Now())

	if !amount.IsPositive() {
		return nil, apperr.New(apperr.InvalidAmount, "deposit amount must be positive, got %s", amount)
	}

	var user *model.User
	err := retry.OnConflict(ctx, s.retry, "deposit_cash", func() error {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		newBalance := u.CashBalance.Add(amount)
		tx := &model.CashTransaction{
			ID:          newTxID(now),
			UserID:      u.ID,
			Kind:        model.KindDeposit,
			Amount:      amount,
			Description: "Cash deposit",
			CreatedAt:   now,
		}
		if err := s.store.ApplyCashTransaction(ctx, u.ID, u.Version, newBalance, tx); err != nil {
			return err
		}
		u.CashBalance = newBalance
		u.Version++
		u.UpdatedAt = now
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CashMovements.WithLabelValues(string(model.KindDeposit)).Inc()
	slog.Info("cash deposited", "user", user.ID, "amount", amount.String(), "balance", user.CashBalance.String())
	s.publish(EventCashDeposited, CashMovement{UserID: user.ID, Amount: amount, CashBalance: user.CashBalance})
	return user, nil
}

// WithdrawCash debits amount from the user's cash balance. The balance
// never goes negative.
func (s *Service) WithdrawCash(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	defer metrics.ObserveSince("withdraw_cash", time.Now())

	if !amount.IsPositive() {
		return nil, apperr.New(apperr.InvalidAmount, "withdrawal amount must be positive, got %s", amount)
	}

	var user *model.User
	err := retry.OnConflict(ctx, s.retry, "withdraw_cash", func() error {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(u.CashBalance) {
			return apperr.New(apperr.InsufficientBalance,
				"cannot withdraw %s, cash balance is %s", amount, u.CashBalance)
		}
		now := s.now()
		newBalance := u.CashBalance.Sub(amount)
		tx := &model.CashTransaction{
			ID:          newTxID(now),
			UserID:      u.ID,
			Kind:        model.KindWithdrawal,
			Amount:      amount,
			Description: "Cash withdrawal",
			CreatedAt:   now,
		}
		if err := s.store.ApplyCashTransaction(ctx, u.ID, u.Version, newBalance, tx); err != nil {
			return err
		}
		u.CashBalance = newBalance
		u.Version++
		u.UpdatedAt = now
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CashMovements.WithLabelValues(string(model.KindWithdrawal)).Inc()
	slog.Info("cash withdrawn", "user", user.ID, "amount", amount.String(), "balance", user.CashBalance.String())
	s.publish(EventCashWithdrawn, CashMovement{UserID: user.ID, Amount: amount, CashBalance: user.CashBalance})
	return user, nil
}

// ListTransactions returns one page of the user's cash history ordered by
// creation time. An empty sort means newest first. Pages past the end are
// empty but carry the correct totals.
func (s *Service) ListTransactions(ctx context.Context, userID string, page, perPage int, sort model.SortOrder) (*model.Page, error) {
	if page < 1 || perPage < 1 {
		return nil, apperr.New(apperr.InvalidPage, "page and per_page must be at least 1, got page=%d per_page=%d", page, perPage)
	}
	switch sort {
	case "":
		sort = model.SortDesc
	case model.SortAsc, model.SortDesc:
	default:
		return nil, apperr.New(apperr.InvalidArgument, "sort must be asc or desc, got %q", sort)
	}

	// An offset that does not fit in an int is past any real history.
	offset := math.MaxInt
	if page-1 <= math.MaxInt/perPage {
		offset = (page - 1) * perPage
	}

	items, total, err := s.store.ListCashTransactions(ctx, store.TransactionQuery{
		UserID: userID,
		Sort:   sort,
		Offset: offset,
		Limit:  perPage,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.CashTransaction{}
	}

	return &model.Page{
		Items:      items,
		Page:       page,
		PerPage:    perPage,
		TotalCount: total,
		TotalPages: totalPages(total, perPage),
		Sort:       sort,
	}, nil
}

func totalPages(total, perPage int) int {
	pages := total / perPage
	if total%perPage != 0 {
		pages++
	}
	return pages
}
