package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/metrics"
	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/retry"
)

// Default sub-ledger descriptions.
const (
	DescInitialInvestment = "Initial investment"
	DescAdditionalDeposit = "Additional deposit"
	DescWithdrawal        = "Withdrawal"
)

// OpenRequest describes a new position. Name is optional.
type OpenRequest struct {
	OwnerID   string
	Name      string
	CoinType  model.CoinType
	RiskTier  model.RiskTier
	Slot      int
	Principal decimal.Decimal
}

// Closure is the outcome of closing a position.
type Closure struct {
	Position    model.Investment `json:"position"`
	Credited    decimal.Decimal  `json:"credited"`
	CashBalance decimal.Decimal  `json:"cash_balance"`
}

// OpenPosition debits the owner's cash by req.Principal and creates the
// position, stamped with the current reference price. The debit and the
// creation are a single store write.
func (s *Service) OpenPosition(ctx context.Context, req OpenRequest) (*model.Investment, error) {
	defer metrics.ObserveSince("open_position", time.Now())

	if !req.CoinType.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported coin type %q", req.CoinType)
	}
	if !req.RiskTier.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported risk tier %q", req.RiskTier)
	}
	if req.Slot < 0 {
		return nil, apperr.New(apperr.InvalidArgument, "slot must not be negative, got %d", req.Slot)
	}
	if !req.Principal.IsPositive() {
		return nil, apperr.New(apperr.InvalidAmount, "principal must be positive, got %s", req.Principal)
	}

	price, err := s.prices.Price(ctx, req.CoinType)
	if err != nil {
		slog.Warn("reference price unavailable", "coin", req.CoinType, "err", err)
		return nil, apperr.Wrap(apperr.PriceUnavailable, err,
			fmt.Sprintf("no reference price for %s", req.CoinType))
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s slot %d", req.CoinType, req.Slot)
	}

	var inv *model.Investment
	err = retry.OnConflict(ctx, s.retry, "open_position", func() error {
		owner, err := s.store.GetUser(ctx, req.OwnerID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetInvestmentBySlot(ctx, owner.ID, req.Slot); err == nil {
			return apperr.New(apperr.DuplicateSlot, "slot %d is already open", req.Slot)
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if owner.CashBalance.LessThan(req.Principal) {
			return apperr.New(apperr.InsufficientBalance,
				"cannot invest %s, cash balance is %s", req.Principal, owner.CashBalance)
		}

		now := s.now()
		candidate := &model.Investment{
			ID:                  uuid.New().String(),
			OwnerID:             owner.ID,
			Name:                name,
			CoinType:            req.CoinType,
			RiskTier:            req.RiskTier,
			Slot:                req.Slot,
			Principal:           req.Principal,
			EntryReferencePrice: price,
			AccumulatedProfit:   decimal.Zero,
			Ledger: []model.InvestmentTransaction{{
				ID:          newTxID(now),
				Kind:        model.KindDeposit,
				Amount:      req.Principal,
				Description: DescInitialInvestment,
				CreatedAt:   now,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		cashTx := &model.CashTransaction{
			ID:           newTxID(now),
			UserID:       owner.ID,
			Kind:         model.KindWithdrawal,
			Amount:       req.Principal,
			Description:  fmt.Sprintf("Opened %s position in slot %d", req.CoinType, req.Slot),
			InvestmentID: candidate.ID,
			CreatedAt:    now,
		}
		newBalance := owner.CashBalance.Sub(req.Principal)
		if err := s.store.OpenInvestment(ctx, candidate, owner.Version, newBalance, cashTx); err != nil {
			return err
		}
		inv = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionEvents.WithLabelValues("open").Inc()
	slog.Info("position opened",
		"id", inv.ID,
		"owner", inv.OwnerID,
		"slot", inv.Slot,
		"coin", inv.CoinType,
		"tier", inv.RiskTier,
		"principal", inv.Principal.String(),
		"entry_price", price.String(),
	)
	s.publish(EventPositionOpened, inv)
	return inv, nil
}

// Deposit adds amount to the position's principal. Owner cash is not
// touched: principal is tracked independently of the cash balance.
func (s *Service) Deposit(ctx context.Context, positionID string, amount decimal.Decimal, description string) (*model.Investment, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.InvalidAmount, "deposit amount must be positive, got %s", amount)
	}
	if description == "" {
		description = DescAdditionalDeposit
	}
	return s.adjustPrincipal(ctx, "deposit", positionID, func(inv *model.Investment) (*model.InvestmentTransaction, error) {
		inv.Principal = inv.Principal.Add(amount)
		return &model.InvestmentTransaction{Kind: model.KindDeposit, Amount: amount, Description: description}, nil
	})
}

// Withdraw removes amount from the position's principal. Principal never
// goes negative.
func (s *Service) Withdraw(ctx context.Context, positionID string, amount decimal.Decimal, description string) (*model.Investment, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.InvalidAmount, "withdrawal amount must be positive, got %s", amount)
	}
	if description == "" {
		description = DescWithdrawal
	}
	return s.adjustPrincipal(ctx, "withdraw", positionID, func(inv *model.Investment) (*model.InvestmentTransaction, error) {
		if amount.GreaterThan(inv.Principal) {
			return nil, apperr.New(apperr.InsufficientFunds,
				"cannot withdraw %s, principal is %s", amount, inv.Principal)
		}
		inv.Principal = inv.Principal.Sub(amount)
		return &model.InvestmentTransaction{Kind: model.KindWithdrawal, Amount: amount, Description: description}, nil
	})
}

// UpdateProfit overwrites the position's accumulated profit.
func (s *Service) UpdateProfit(ctx context.Context, positionID string, profit decimal.Decimal) (*model.Investment, error) {
	return s.adjustPrincipal(ctx, "profit", positionID, func(inv *model.Investment) (*model.InvestmentTransaction, error) {
		inv.AccumulatedProfit = profit
		return nil, nil
	})
}

// adjustPrincipal runs one optimistic update of a position. mutate edits the
// freshly read record and returns the sub-ledger entry to append, if any.
func (s *Service) adjustPrincipal(ctx context.Context, op, positionID string, mutate func(*model.Investment) (*model.InvestmentTransaction, error)) (*model.Investment, error) {
	defer metrics.ObserveSince(op+"_position", time.Now())

	var inv *model.Investment
	err := retry.OnConflict(ctx, s.retry, op+"_position", func() error {
		cur, err := s.store.GetInvestment(ctx, positionID)
		if err != nil {
			return err
		}
		expected := cur.Version
		entry, err := mutate(cur)
		if err != nil {
			return err
		}
		now := s.now()
		cur.UpdatedAt = now
		if entry != nil {
			entry.ID = newTxID(now)
			entry.CreatedAt = now
		}
		if err := s.store.UpdateInvestment(ctx, cur, expected, entry); err != nil {
			return err
		}
		inv = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionEvents.WithLabelValues(op).Inc()
	slog.Info("position updated",
		"op", op,
		"id", inv.ID,
		"owner", inv.OwnerID,
		"principal", inv.Principal.String(),
		"profit", inv.AccumulatedProfit.String(),
	)
	s.publish(EventPositionUpdated, inv)
	return inv, nil
}

// ClosePosition credits the owner's cash with the position's principal and
// deletes the position, as one store write. Positions not owned by ownerID
// are reported as not found.
func (s *Service) ClosePosition(ctx context.Context, positionID, ownerID string) (*Closure, error) {
	defer metrics.ObserveSince("close_position", time.Now())

	var closure *Closure
	err := retry.OnConflict(ctx, s.retry, "close_position", func() error {
		inv, err := s.store.GetInvestment(ctx, positionID)
		if err != nil {
			return err
		}
		if inv.OwnerID != ownerID {
			return apperr.New(apperr.NotFound, "investment %s not found", positionID)
		}
		owner, err := s.store.GetUser(ctx, ownerID)
		if err != nil {
			return err
		}

		now := s.now()
		newBalance := owner.CashBalance.Add(inv.Principal)
		var cashTx *model.CashTransaction
		if inv.Principal.IsPositive() {
			cashTx = &model.CashTransaction{
				ID:           newTxID(now),
				UserID:       owner.ID,
				Kind:         model.KindDeposit,
				Amount:       inv.Principal,
				Description:  fmt.Sprintf("Closed %s position in slot %d", inv.CoinType, inv.Slot),
				InvestmentID: inv.ID,
				CreatedAt:    now,
			}
		}
		if err := s.store.CloseInvestment(ctx, inv.ID, inv.Version, owner.ID, owner.Version, newBalance, cashTx); err != nil {
			return err
		}
		closure = &Closure{Position: *inv, Credited: inv.Principal, CashBalance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionEvents.WithLabelValues("close").Inc()
	slog.Info("position closed",
		"id", closure.Position.ID,
		"owner", ownerID,
		"slot", closure.Position.Slot,
		"credited", closure.Credited.String(),
	)
	s.publish(EventPositionClosed, closure)
	return closure, nil
}

// GetPosition returns a position by id.
func (s *Service) GetPosition(ctx context.Context, positionID string) (*model.Investment, error) {
	return s.store.GetInvestment(ctx, positionID)
}

// FindBySlot returns the owner's position in slot.
func (s *Service) FindBySlot(ctx context.Context, ownerID string, slot int) (*model.Investment, error) {
	return s.store.GetInvestmentBySlot(ctx, ownerID, slot)
}

// ListByOwner returns the owner's positions, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]model.Investment, error) {
	return s.store.ListInvestmentsByOwner(ctx, ownerID)
}

// ListByCoinType returns the owner's positions in coin, newest first.
func (s *Service) ListByCoinType(ctx context.Context, ownerID string, coin model.CoinType) ([]model.Investment, error) {
	if !coin.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported coin type %q", coin)
	}
	all, err := s.store.ListInvestmentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	result := []model.Investment{}
	for _, inv := range all {
		if inv.CoinType == coin {
			result = append(result, inv)
		}
	}
	return result, nil
}

// ListByRiskTier returns every position in tier across all owners, newest
// first.
func (s *Service) ListByRiskTier(ctx context.Context, tier model.RiskTier) ([]model.Investment, error) {
	if !tier.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported risk tier %q", tier)
	}
	return s.store.ListInvestmentsByRiskTier(ctx, tier)
}
